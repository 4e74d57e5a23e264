package agentclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Подменяется в тестах
var execCommandContext = exec.CommandContext

// ProcessLocator находит процессы, слушающие TCP-порт на этом хосте.
type ProcessLocator interface {
	FindPIDs(ctx context.Context, port int) ([]int, error)
}

// Strategy — один способ интроспекции (утилита ОС или procfs).
type Strategy struct {
	Name string
	Find func(ctx context.Context, port int) ([]int, error)
}

// ChainLocator пробует стратегии по очереди до первого непустого результата.
// Ошибка стратегии (нет утилиты, нет прав) — повод перейти к следующей.
type ChainLocator struct {
	strategies []Strategy
	logger     *zap.Logger
}

func NewChainLocator(logger *zap.Logger, strategies ...Strategy) *ChainLocator {
	return &ChainLocator{strategies: strategies, logger: logger}
}

func (c *ChainLocator) FindPIDs(ctx context.Context, port int) ([]int, error) {
	var lastErr error
	for _, s := range c.strategies {
		pids, err := s.Find(ctx, port)
		if err != nil {
			c.logger.Debug("locator strategy failed", zap.String("strategy", s.Name), zap.Int("port", port), zap.Error(err))
			lastErr = err
			continue
		}
		if len(pids) > 0 {
			c.logger.Debug("port owner found", zap.String("strategy", s.Name), zap.Int("port", port), zap.Ints("pids", pids))
			return pids, nil
		}
	}
	if lastErr != nil && len(c.strategies) > 0 {
		return nil, fmt.Errorf("no strategy located owner of port %d: %w", port, lastErr)
	}
	return nil, nil
}

// commandStrategy запускает утилиту и разбирает вывод parse.
// Ненулевой код выхода не ошибка: lsof и fuser так сообщают "ничего не найдено".
func commandStrategy(name string, args func(port int) []string, parse func(out string, port int) []int) Strategy {
	return Strategy{
		Name: name,
		Find: func(ctx context.Context, port int) ([]int, error) {
			bin, err := exec.LookPath(name)
			if err != nil {
				return nil, err
			}
			out, err := execCommandContext(ctx, bin, args(port)...).CombinedOutput()
			var exitErr *exec.ExitError
			if err != nil && !errors.As(err, &exitErr) {
				return nil, err
			}
			return parse(string(out), port), nil
		},
	}
}

// parseLsof: `lsof -t` печатает по pid на строку.
func parseLsof(out string, _ int) []int {
	var pids []int
	for _, f := range strings.Fields(out) {
		if pid, err := strconv.Atoi(f); err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	return uniq(pids)
}

var ssPidRe = regexp.MustCompile(`pid=(\d+)`)

// parseSS: users:(("rasa",pid=1234,fd=12)) в выводе `ss -ltnp`.
func parseSS(out string, port int) []int {
	var pids []int
	suffix := ":" + strconv.Itoa(port)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) < 4 || !strings.HasSuffix(fields[3], suffix) {
			continue
		}
		for _, m := range ssPidRe.FindAllStringSubmatch(line, -1) {
			if pid, err := strconv.Atoi(m[1]); err == nil {
				pids = append(pids, pid)
			}
		}
	}
	return uniq(pids)
}

// parseFuser: `fuser 5005/tcp` -> "5005/tcp:  1234  5678".
func parseFuser(out string, _ int) []int {
	if i := strings.LastIndex(out, ":"); i >= 0 {
		out = out[i+1:]
	}
	var pids []int
	for _, f := range strings.Fields(out) {
		f = strings.TrimRight(f, "cefFrmn") // суффиксы режима доступа
		if pid, err := strconv.Atoi(f); err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	return uniq(pids)
}

// parseNetstat: Windows `netstat -ano` -> "TCP 0.0.0.0:5005 0.0.0.0:0 LISTENING 1234".
func parseNetstat(out string, port int) []int {
	var pids []int
	suffix := ":" + strconv.Itoa(port)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 || !strings.EqualFold(fields[0], "TCP") {
			continue
		}
		if !strings.HasSuffix(fields[1], suffix) || !strings.EqualFold(fields[3], "LISTENING") {
			continue
		}
		if pid, err := strconv.Atoi(fields[4]); err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	return uniq(pids)
}

// parseProcNetTCP возвращает inode сокетов, слушающих порт (state 0A = LISTEN).
func parseProcNetTCP(out string, port int) []string {
	hexPort := fmt.Sprintf(":%04X", port)
	var inodes []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 10 || fields[0] == "sl" {
			continue
		}
		if strings.HasSuffix(strings.ToUpper(fields[1]), hexPort) && fields[3] == "0A" {
			inodes = append(inodes, fields[9])
		}
	}
	return inodes
}

func uniq(pids []int) []int {
	if len(pids) == 0 {
		return nil
	}
	sort.Ints(pids)
	out := pids[:1]
	for _, p := range pids[1:] {
		if p != out[len(out)-1] {
			out = append(out, p)
		}
	}
	return out
}
