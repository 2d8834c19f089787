package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/somethingdevs/AdhaanLive/internal/prayer"
)

func scheduleCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Print today's prayer times and detection windows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOrDefault(*cfgPath)
			if err != nil {
				return err
			}
			provider, err := buildProvider(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			keeper := prayer.NewKeeper(provider, nil, keeperConfig(cfg))
			if err := keeper.Refresh(ctx); err != nil {
				return err
			}
			today := keeper.Today()
			wc := windowConfig(cfg)
			sched := prayer.NewScheduler(wc)
			now := time.Now().In(cfg.TimeLocation())

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  (source: %s)\n\n", today.Day.Format("Mon 2006-01-02"), today.Source)
			if today.Stale {
				fmt.Fprintln(out, "  warning: schedule is stale")
			}
			for _, p := range prayer.All {
				at := today.Time(p)
				fmt.Fprintf(out, "  %-8s %s   window %s-%s\n", p, today.Times[p],
					at.Add(-wc.Lead).Format("15:04"), at.Add(wc.MaxAdhaan+wc.Trailing).Format("15:04"))
			}

			pos := sched.CurrentAndNext(now, today, keeper.Tomorrow())
			current := pos.Current.String()
			if current == "" {
				current = "-"
			}
			fmt.Fprintf(out, "\nnow %s: current %s, next %s at %s (in %s)\n",
				now.Format("15:04"), current, pos.Next, pos.NextTime.Format("15:04"),
				pos.NextTime.Sub(now).Round(time.Minute))
			if w, ok := sched.ActiveWindow(now, today); ok {
				fmt.Fprintf(out, "detection window open for %s until %s\n", w.Prayer, w.End.Format("15:04"))
			}
			return nil
		},
	}
}
