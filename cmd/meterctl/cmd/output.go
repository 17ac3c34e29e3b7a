package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/WessleyAI/meterscan/engine/domain"
)

// render writes v as JSON or YAML, or calls table for the table format.
func render(w io.Writer, v any, table func(*tabwriter.Writer)) error {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// round-trip through JSON so YAML keys match the JSON field names
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(doc)
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	default:
		return fmt.Errorf("unsupported output format %q", outputFormat)
	}
}

func readingRows(tw *tabwriter.Writer, rs []domain.Reading) {
	fmt.Fprintln(tw, "ID\tADDRESS\tVALUE\tUNITS\tCONFIDENCE\tRECORDED")
	for _, r := range rs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\t%s\n",
			r.ID, r.Address.Full(), r.MeterValue, orDash(r.Units), r.Confidence, r.CreatedAt.Format("2006-01-02 15:04"))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
