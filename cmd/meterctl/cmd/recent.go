package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/WessleyAI/meterscan/engine/graph"
)

var recentLimit int

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List the newest stored readings",
	RunE:  runRecent,
}

var (
	premisesOffset int
	premisesLimit  int
	premisesAddr   addressFlags
)

var premisesCmd = &cobra.Command{
	Use:   "premises",
	Short: "List premises known to the graph ledger",
	Long: `List premises known to the graph ledger. With a full address the
command looks up that single premise instead.

Examples:
  meterctl premises --limit 20
  meterctl premises --city Springfield --street-name "Evergreen Terrace" --street-number 742`,
	RunE: runPremises,
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Describe the reading collection",
	RunE:  runInfo,
}

func init() {
	rootCmd.AddCommand(recentCmd, premisesCmd, infoCmd)
	recentCmd.Flags().IntVar(&recentLimit, "limit", 10, "Maximum number of readings to list")
	premisesCmd.Flags().IntVar(&premisesOffset, "offset", 0, "Number of premises to skip")
	premisesCmd.Flags().IntVar(&premisesLimit, "limit", 50, "Maximum number of premises to list")
	premisesAddr.register(premisesCmd)
}

func runRecent(cmd *cobra.Command, _ []string) error {
	return withEngine(cmd.Context(), func(eng engine) error {
		rs, err := eng.Recent(cmd.Context(), recentLimit)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), rs, func(tw *tabwriter.Writer) { readingRows(tw, rs) })
	})
}

func runPremises(cmd *cobra.Command, _ []string) error {
	return withEngine(cmd.Context(), func(eng engine) error {
		var ps []graph.Premise
		if premisesAddr.filter() != nil {
			p, err := eng.Premise(cmd.Context(), premisesAddr.address())
			if err != nil {
				return err
			}
			ps = []graph.Premise{p}
		} else {
			var err error
			if ps, err = eng.Premises(cmd.Context(), premisesOffset, premisesLimit); err != nil {
				return err
			}
		}
		return render(cmd.OutOrStdout(), ps, func(tw *tabwriter.Writer) {
			fmt.Fprintln(tw, "ID\tADDRESS")
			for _, p := range ps {
				fmt.Fprintf(tw, "%s\t%s\n", p.ID, p.FullAddress)
			}
		})
	})
}

func runInfo(cmd *cobra.Command, _ []string) error {
	return withEngine(cmd.Context(), func(eng engine) error {
		info, err := eng.Info(cmd.Context())
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), info, func(tw *tabwriter.Writer) {
			c := info.Collection
			fmt.Fprintf(tw, "Collection:\t%s\n", c.Collection)
			fmt.Fprintf(tw, "Status:\t%s\n", c.Status)
			fmt.Fprintf(tw, "Points:\t%d\n", c.Points)
			fmt.Fprintf(tw, "Dimension:\t%d\n", c.Dimension)
			fmt.Fprintf(tw, "Distance:\t%s\n", c.Distance)
			for _, label := range []string{graph.LabelPremise, graph.LabelReading} {
				if n, ok := info.Graph[label]; ok {
					fmt.Fprintf(tw, "Graph %s nodes:\t%d\n", label, n)
				}
			}
		})
	})
}
