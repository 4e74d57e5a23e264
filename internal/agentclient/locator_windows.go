//go:build windows

package agentclient

import "go.uber.org/zap"

// NewProcessLocator: на Windows единственный источник — netstat -ano.
func NewProcessLocator(logger *zap.Logger) *ChainLocator {
	return NewChainLocator(logger.Named("locator"),
		commandStrategy("netstat", func(int) []string {
			return []string{"-ano", "-p", "TCP"}
		}, parseNetstat),
	)
}
