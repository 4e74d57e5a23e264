//go:build !windows

package agentclient

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// NewProcessLocator: lsof -> ss -> fuser -> /proc/net/tcp.
func NewProcessLocator(logger *zap.Logger) *ChainLocator {
	return NewChainLocator(logger.Named("locator"),
		commandStrategy("lsof", func(port int) []string {
			return []string{"-t", "-n", "-P", "-iTCP:" + strconv.Itoa(port), "-sTCP:LISTEN"}
		}, parseLsof),
		commandStrategy("ss", func(port int) []string {
			return []string{"-ltnpH", "sport", "=", ":" + strconv.Itoa(port)}
		}, parseSS),
		commandStrategy("fuser", func(port int) []string {
			return []string{strconv.Itoa(port) + "/tcp"}
		}, parseFuser),
		Strategy{Name: "procfs", Find: findViaProcFS},
	)
}

// findViaProcFS: inode слушающего сокета из /proc/net/tcp{,6}, затем поиск
// процесса, у которого есть fd -> socket:[inode]. Только Linux.
func findViaProcFS(ctx context.Context, port int) ([]int, error) {
	var inodes []string
	var readErr error
	for _, f := range []string{"/proc/net/tcp", "/proc/net/tcp6"} {
		data, err := os.ReadFile(f)
		if err != nil {
			readErr = err
			continue
		}
		inodes = append(inodes, parseProcNetTCP(string(data), port)...)
	}
	if len(inodes) == 0 {
		return nil, readErr
	}

	want := make(map[string]struct{}, len(inodes))
	for _, ino := range inodes {
		want["socket:["+ino+"]"] = struct{}{}
	}

	procs, err := filepath.Glob("/proc/[0-9]*")
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, dir := range procs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		pid, err := strconv.Atoi(filepath.Base(dir))
		if err != nil {
			continue
		}
		fds, err := os.ReadDir(filepath.Join(dir, "fd"))
		if err != nil {
			continue // Чужие процессы без прав — пропускаем
		}
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(dir, "fd", fd.Name()))
			if err != nil || !strings.HasPrefix(link, "socket:[") {
				continue
			}
			if _, ok := want[link]; ok {
				pids = append(pids, pid)
				break
			}
		}
	}
	return uniq(pids), nil
}
