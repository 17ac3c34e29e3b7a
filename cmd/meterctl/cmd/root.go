package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/WessleyAI/meterscan/engine/domain"
	"github.com/WessleyAI/meterscan/engine/extract"
	"github.com/WessleyAI/meterscan/engine/graph"
	"github.com/WessleyAI/meterscan/engine/service"
	"github.com/WessleyAI/meterscan/pkg/config"
)

var (
	// configPath is the YAML config file
	configPath string
	// outputFormat is the output format (table, json, yaml)
	outputFormat string

	cfg    config.Config
	logger *slog.Logger
)

// engine is the part of the service the CLI drives.
type engine interface {
	ExtractAndStore(ctx context.Context, up extract.Upload) (*extract.Outcome, error)
	AnswerQuestion(ctx context.Context, question string, filter domain.Filter) (*domain.QueryResult, error)
	Recent(ctx context.Context, limit int) ([]domain.Reading, error)
	Info(ctx context.Context) (service.Info, error)
	Premise(ctx context.Context, addr domain.Address) (graph.Premise, error)
	Premises(ctx context.Context, offset, limit int) ([]graph.Premise, error)
	Close(ctx context.Context) error
}

// openEngine connects to every configured backend and prepares the
// collection. Tests replace it.
var openEngine = func(ctx context.Context, cfg config.Config, logger *slog.Logger) (engine, error) {
	svc, err := service.Open(ctx, cfg, nil, logger)
	if err != nil {
		return nil, err
	}
	if err := svc.Init(ctx); err != nil {
		svc.Close(ctx)
		return nil, err
	}
	return svc, nil
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "meterctl",
	Short: "CLI for meterscan - water meter reading extraction and search",
	Long: `meterctl reads water meters from photographs and answers questions
about the stored readings.

Examples:
  # Read a meter and store the reading
  meterctl extract meter.jpg --city Springfield --street-name "Evergreen Terrace" --street-number 742

  # Ask about stored readings
  meterctl ask "What was the last reading on Evergreen Terrace?"

  # Queue an image for the extraction workers and wait for the result
  meterctl submit meter.jpg --city Springfield --street-name "Evergreen Terrace" --street-number 742 --wait

  # Show the newest readings
  meterctl recent --limit 5

  # Follow readings as they are committed
  meterctl watch`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		lc := cfg.Log
		lc.Format = "text"
		logger = config.NewLogger(lc, cmd.ErrOrStderr())
		return nil
	},
}

// ExecuteContext runs the root command.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (defaults to $METERSCAN_CONFIG)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")
}

// addressFlags are shared by commands that take a premise address.
type addressFlags struct {
	city, streetName, streetNumber string
}

func (a *addressFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&a.city, "city", "", "City of the premise")
	cmd.Flags().StringVar(&a.streetName, "street-name", "", "Street name of the premise")
	cmd.Flags().StringVar(&a.streetNumber, "street-number", "", "Street number of the premise")
}

func (a addressFlags) address() domain.Address {
	return domain.Address{City: a.city, StreetName: a.streetName, StreetNumber: a.streetNumber}
}

// filter returns the non-empty address parts as a search filter, or nil.
func (a addressFlags) filter() domain.Filter {
	f := domain.Filter{}
	if a.city != "" {
		f[domain.FieldCity] = a.city
	}
	if a.streetName != "" {
		f[domain.FieldStreetName] = a.streetName
	}
	if a.streetNumber != "" {
		f[domain.FieldStreetNumber] = a.streetNumber
	}
	if len(f) == 0 {
		return nil
	}
	return f
}

func withEngine(ctx context.Context, fn func(engine) error) error {
	eng, err := openEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close(context.WithoutCancel(ctx))
	return fn(eng)
}

func readImage(path string) ([]byte, error) {
	return os.ReadFile(path)
}
