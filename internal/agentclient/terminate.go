package agentclient

import (
	"context"
	"time"

	ps "github.com/mitchellh/go-ps"
)

// Terminator — сигналы процессу по pid. Отдельный интерфейс, чтобы тесты не убивали настоящие процессы.
type Terminator interface {
	Terminate(pid int) error // Вежливо: SIGTERM
	Kill(pid int) error      // Принудительно: SIGKILL
	Alive(pid int) bool
}

type osTerminator struct{}

// NewTerminator — реализация для текущей ОС.
func NewTerminator() Terminator { return osTerminator{} }

func (osTerminator) Terminate(pid int) error { return terminateProcess(pid) }
func (osTerminator) Kill(pid int) error      { return killProcess(pid) }

// Alive смотрит в таблицу процессов ОС.
func (osTerminator) Alive(pid int) bool {
	p, err := ps.FindProcess(pid)
	return err == nil && p != nil
}

// waitGone опрашивает, пока все pid не исчезнут или не выйдет срок.
// Возвращает те, что остались живы.
func waitGone(ctx context.Context, t Terminator, pids []int, grace time.Duration) []int {
	deadline := time.Now().Add(grace)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		alive := pids[:0:0]
		for _, pid := range pids {
			if t.Alive(pid) {
				alive = append(alive, pid)
			}
		}
		if len(alive) == 0 || time.Now().After(deadline) {
			return alive
		}
		pids = alive

		select {
		case <-ctx.Done():
			return alive
		case <-ticker.C:
		}
	}
}
