package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/WessleyAI/meterscan/engine/domain"
)

var askAddr addressFlags

var askCmd = &cobra.Command{
	Use:   "ask QUESTION",
	Short: "Ask a question about stored readings",
	Long: `Answer a free-text question grounded on the most similar stored readings.

Examples:
  meterctl ask "What is the latest reading at 742 Evergreen Terrace?"

  # Restrict retrieval to one city
  meterctl ask "Which meters read above 5000?" --city Springfield`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	rootCmd.AddCommand(askCmd)
	askAddr.register(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	question := strings.Join(args, " ")
	return withEngine(cmd.Context(), func(eng engine) error {
		res, err := eng.AnswerQuestion(cmd.Context(), question, askAddr.filter())
		if err != nil && res == nil {
			return err
		}
		if rerr := render(cmd.OutOrStdout(), res, func(tw *tabwriter.Writer) {
			if res.Answer != "" {
				fmt.Fprintf(tw, "%s\n\n", res.Answer)
			}
			if len(res.Evidence) == 0 {
				return
			}
			fmt.Fprintf(tw, "Evidence (%d):\n", res.RetrievedCount)
			readings := make([]domain.Reading, len(res.Evidence))
			for i, m := range res.Evidence {
				readings[i] = m.Reading
			}
			readingRows(tw, readings)
		}); rerr != nil {
			return rerr
		}
		// err is GenerationFailed here; evidence was printed
		return err
	})
}
