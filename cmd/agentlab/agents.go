package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/xela07ax/agentlab/internal/domain"
	"github.com/xela07ax/agentlab/internal/events"
	"github.com/xela07ax/agentlab/internal/infra"
	"github.com/xela07ax/agentlab/internal/registry"
	"go.uber.org/zap"
)

func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect registered agents",
	}
	cmd.AddCommand(newAgentsListCmd(), newAgentsWatchCmd())
	return cmd
}

// list читает документ реестра напрямую: сервер для этого не нужен.
func newAgentsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the agent registry as a table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := infra.LoadConfig(configPath)
			if err != nil {
				return err
			}
			snap, err := registry.NewFileStore(cfg.Registry.Path).Load()
			if err != nil {
				return err
			}
			renderAgents(cmd, snap.Agents)
			return nil
		},
	}
}

func renderAgents(cmd *cobra.Command, agents []*domain.Agent) {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "Name", "Type", "Status", "Port", "Needs training", "Updated"})
	for _, a := range agents {
		t.AppendRow(table.Row{
			a.ID, a.Name, a.Type, colorStatus(a.Status), a.Port,
			yesNo(a.RequiresTraining), a.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	t.AppendFooter(table.Row{"", "Total", len(agents)})
	t.Render()
}

// watch печатает текущий кэш статусов из Redis и затем поток изменений.
func newAgentsWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream agent status changes published to Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := infra.LoadConfig(configPath)
			if err != nil {
				return err
			}
			logger, err := infra.NewLogger(cfg.Logger)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
			defer rdb.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			resync := func(ctx context.Context) error {
				snap, err := events.Snapshot(ctx, rdb, logger)
				if err != nil {
					return err
				}
				for _, ev := range snap {
					fmt.Fprintln(out, formatEvent(ev))
				}
				return nil
			}
			events.Listen(ctx, rdb, logger.Named("watch"), infra.RedisChanStatus, resync, func(ev events.StatusEvent) {
				fmt.Fprintln(out, formatEvent(ev))
			})
			logger.Debug("watch stopped", zap.Error(ctx.Err()))
			return nil
		},
	}
}

func formatEvent(ev events.StatusEvent) string {
	at := ev.At.Local().Format(time.TimeOnly)
	if ev.Deleted {
		return fmt.Sprintf("%s  #%d  %s", at, ev.AgentID, text.FgHiBlack.Sprint("deleted"))
	}
	line := fmt.Sprintf("%s  #%d  %-20s %-10s port=%s", at, ev.AgentID, ev.Name, colorStatus(ev.Status), strconv.Itoa(ev.Port))
	if ev.RequiresTraining {
		line += "  " + text.FgYellow.Sprint("requires training")
	}
	if ev.LastError != "" {
		line += "  " + text.FgRed.Sprint(ev.LastError)
	}
	return line
}

func colorStatus(s domain.AgentStatus) string {
	switch s {
	case domain.StatusReady:
		return text.FgGreen.Sprint(s)
	case domain.StatusTraining:
		return text.FgCyan.Sprint(s)
	case domain.StatusError:
		return text.FgRed.Sprint(s)
	default:
		return text.FgHiBlack.Sprint(s)
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
