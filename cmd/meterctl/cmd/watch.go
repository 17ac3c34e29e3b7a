package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/WessleyAI/meterscan/engine/extract"
	"github.com/WessleyAI/meterscan/pkg/natsutil"
)

var watchCount int

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print readings as they are committed",
	Long: `Subscribe to the reading-stored events published by the API and the
extraction workers and print one line per committed reading. Runs until
interrupted, or until --count readings have been seen.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().IntVar(&watchCount, "count", 0, "Exit after this many readings (0 watches forever)")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	nc, err := nats.Connect(cfg.NATS.URL, nats.Name("meterctl"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	events := make(chan extract.ReadingStoredEvent, 64)
	sub, err := natsutil.Subscribe(nc, extract.StoredSubject, func(_ context.Context, ev extract.ReadingStoredEvent) {
		select {
		case events <- ev:
		default:
			logger.Warn("watch: output is behind, dropping event", "reading_id", ev.ReadingID)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", extract.StoredSubject, err)
	}
	defer sub.Unsubscribe()
	if err := nc.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	logger.Info("watching committed readings", "subject", extract.StoredSubject)

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	for seen := 0; watchCount <= 0 || seen < watchCount; seen++ {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if outputFormat == "json" {
				if err := json.NewEncoder(out).Encode(ev); err != nil {
					return err
				}
				continue
			}
			fmt.Fprintf(out, "%s  %s  %s  %s  (confidence %.2f)\n",
				ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.ReadingID, ev.Address, ev.MeterValue, ev.Confidence)
		}
	}
	return nil
}
