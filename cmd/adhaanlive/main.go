package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCommand(level).ExecuteContext(ctx); err != nil {
		slog.Error("adhaanlive failed", "err", err)
		os.Exit(1)
	}
}

func rootCommand(level *slog.LevelVar) *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "adhaanlive",
		Short:         "Detect the Adhaan on a live stream and play it out",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Start monitoring, detection and playback",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context(), cfgPath, level)
			},
		},
		simulateCommand(&cfgPath),
		scheduleCommand(&cfgPath),
	)
	return root
}
