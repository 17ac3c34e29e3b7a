package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/WessleyAI/meterscan/engine/domain"
	"github.com/WessleyAI/meterscan/engine/extract"
	"github.com/WessleyAI/meterscan/pkg/natsutil"
)

var (
	submitAddr      addressFlags
	submitMediaType string
	submitWait      bool
	submitTimeout   time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit IMAGE",
	Short: "Queue a meter photograph for the extraction workers",
	Long: `Publish an extraction request on NATS. Without --wait the request is
fire-and-forget: failures are retried by the workers and end up on the
dead letter subject. With --wait the command blocks for the result.

Examples:
  meterctl submit meter.jpg --city Springfield --street-name "Evergreen Terrace" --street-number 742 --wait`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitAddr.register(submitCmd)
	submitCmd.Flags().StringVar(&submitMediaType, "media-type", "", "Image media type (detected when omitted)")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "Wait for the extraction result")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 2*time.Minute, "How long --wait blocks")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	image, err := readImage(args[0])
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	// validate locally so obviously bad requests never reach the queue
	addr, err := domain.NormalizeAddress(submitAddr.address())
	if err != nil {
		return err
	}
	mt, err := domain.ValidateImage(image, submitMediaType)
	if err != nil {
		return err
	}

	nc, err := nats.Connect(cfg.NATS.URL, nats.Name("meterctl"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	req := extract.ExtractRequest{ID: uuid.NewString(), Image: image, MediaType: mt, Address: addr}
	ctx := cmd.Context()

	if !submitWait {
		if err := natsutil.Publish(ctx, nc, extract.ExtractSubject, req); err != nil {
			return fmt.Errorf("publish: %w", err)
		}
		if err := nc.FlushWithContext(ctx); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queued extraction %s for %s\n", req.ID, addr.Full())
		return nil
	}

	reply, err := natsutil.Request[extract.ExtractRequest, extract.ExtractReply](ctx, nc, extract.ExtractSubject, req, submitTimeout)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	if err := reply.Err(); err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), reply, func(tw *tabwriter.Writer) {
		if reply.Reading != nil {
			readingRows(tw, []domain.Reading{*reply.Reading})
		}
		for _, w := range reply.Warnings {
			fmt.Fprintf(tw, "warning: %s: %s\n", w.Kind, w.Detail)
		}
	})
}
