package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/somethingdevs/AdhaanLive/internal/agent"
	"github.com/somethingdevs/AdhaanLive/internal/audio"
	"github.com/somethingdevs/AdhaanLive/internal/detector"
)

func simulateCommand(cfgPath *string) *cobra.Command {
	var wavPath string

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay a WAV recording through the classifier and detector",
		Long: `Replay a WAV recording through the same classifier and detector the live
chain uses and print every event. Tuning comes from the config file when it
exists, otherwise from the defaults.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOrDefault(*cfgPath)
			if err != nil {
				return err
			}

			f, err := os.Open(wavPath)
			if err != nil {
				return fmt.Errorf("open recording: %w", err)
			}
			defer f.Close()

			pcm, rate, err := audio.DecodeWAV(f)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			start := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
			offset := func(t time.Time) time.Duration { return t.Sub(start).Round(time.Millisecond) }

			stats, err := agent.Replay(pcm, rate, cfg.Audio.Frame, start, tuningFrom(cfg), func(ev detector.Event, s audio.Sample) {
				line := fmt.Sprintf("%10s  %-7s  level=%.4f threshold=%.4f", offset(ev.At), ev.Kind, s.Level, s.Threshold)
				if ev.Kind == detector.Ended {
					line += " reason=" + string(ev.Reason)
				}
				fmt.Fprintln(out, line)
			})
			if err != nil {
				return fmt.Errorf("replay: %w", err)
			}

			fmt.Fprintf(out, "\n%d frames (%s), %d loud, noise floor %.4f, max level %.4f (%.1f dBFS)\n",
				stats.Frames, stats.Duration.Round(time.Millisecond), stats.Loud,
				stats.NoiseFloor, stats.MaxLevel, audio.ToDB(stats.MaxLevel))
			return nil
		},
	}
	cmd.Flags().StringVar(&wavPath, "wav", "", "recording to replay (16-bit PCM WAV)")
	cmd.MarkFlagRequired("wav")
	return cmd
}
