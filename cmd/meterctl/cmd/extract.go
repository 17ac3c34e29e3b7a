package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/WessleyAI/meterscan/engine/domain"
	"github.com/WessleyAI/meterscan/engine/extract"
)

var (
	extractAddr      addressFlags
	extractMediaType string
)

var extractCmd = &cobra.Command{
	Use:   "extract IMAGE",
	Short: "Read a meter photograph and store the reading",
	Long: `Send a meter photograph to the vision model, parse the reading and store
it in the vector collection.

Examples:
  meterctl extract meter.jpg --city Springfield --street-name "Evergreen Terrace" --street-number 742`,
	Args: cobra.ExactArgs(1),
	RunE: runExtract,
}

func init() {
	rootCmd.AddCommand(extractCmd)
	extractAddr.register(extractCmd)
	extractCmd.Flags().StringVar(&extractMediaType, "media-type", "", "Image media type (detected when omitted)")
}

func runExtract(cmd *cobra.Command, args []string) error {
	image, err := readImage(args[0])
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	return withEngine(cmd.Context(), func(eng engine) error {
		out, err := eng.ExtractAndStore(cmd.Context(), extract.Upload{
			Image:     image,
			MediaType: extractMediaType,
			Address:   extractAddr.address(),
		})
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), out, func(tw *tabwriter.Writer) {
			readingRows(tw, []domain.Reading{out.Reading})
			for _, w := range out.Warnings {
				fmt.Fprintf(tw, "warning: %s: %s\n", w.Kind, w.Detail)
			}
			if out.Reading.Notes != "" {
				fmt.Fprintf(tw, "notes: %s\n", out.Reading.Notes)
			}
		})
	})
}
