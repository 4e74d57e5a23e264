//go:build windows

package supervisor

import "os/exec"

// На Windows групп процессов в unix-смысле нет: убиваем только сам тренер.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
}
