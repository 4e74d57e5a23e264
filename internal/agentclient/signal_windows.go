//go:build windows

package agentclient

import (
	"context"
	"strconv"
	"time"
)

// taskkill без /F шлет WM_CLOSE — ближайший аналог SIGTERM.
func terminateProcess(pid int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return execCommandContext(ctx, "taskkill", "/PID", strconv.Itoa(pid), "/T").Run()
}

func killProcess(pid int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return execCommandContext(ctx, "taskkill", "/PID", strconv.Itoa(pid), "/T", "/F").Run()
}
