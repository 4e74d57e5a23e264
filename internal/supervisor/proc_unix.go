//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup запускает тренер лидером своей группы процессов,
// отмена контекста убивает всю группу вместе с потомками.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Отрицательный pid — сигнал всей группе
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
}
