package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/orchestra/pkg/config"
	"github.com/openfroyo/orchestra/pkg/orchestrator"
	"github.com/openfroyo/orchestra/pkg/stores"
	"github.com/openfroyo/orchestra/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	fabric     string
	actor      string
	jsonOutput bool

	version = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, v, commit, buildDate string) error {
	version = v
	rootCmd := newRootCommand(v, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "orchestra",
		Short: "Orchestra - desired state deployment orchestrator",
		Long: `Orchestra compares the expected system model of a fabric with what is
currently deployed and drives every entry to its expected state.

Features:
  - System models in YAML, JSON or CUE, with Starlark generated values
  - Delta computation and state machine based transition planning
  - Sequential and parallel plans rendered as XML, JSON or DOT
  - Pausable, cancellable plan execution with retries
  - Policy gate written in rego
  - Execution history in SQLite`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default "+config.DefaultConfigFile+" when present)")
	rootCmd.PersistentFlags().StringVarP(&fabric, "fabric", "f", "", "fabric to operate on (overrides the config)")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", os.Getenv("USER"), "name recorded in audit entries")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newDeltaCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}

// loadConfig reads the configuration file, falling back to the defaults when
// no file was given and the default file does not exist.
func loadConfig() (*config.AppConfig, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigFile); errors.Is(err, fs.ErrNotExist) {
			cfg := config.DefaultAppConfig()
			return cfg, applyOverrides(cfg)
		}
		path = config.DefaultConfigFile
	}
	cfg, err := config.LoadAppConfig(path)
	if err != nil {
		return nil, err
	}
	return cfg, applyOverrides(cfg)
}

func applyOverrides(cfg *config.AppConfig) error {
	if fabric != "" {
		cfg.Fabric = fabric
	}
	cfg.Telemetry.ServiceVersion = version
	return cfg.Validate()
}

// session holds what a command needs to run the pipeline.
type session struct {
	cfg   *config.AppConfig
	tel   *telemetry.Telemetry
	store *stores.SQLiteStore
	orch  *orchestrator.Orchestrator
}

// openSession loads the configuration and wires the orchestrator. The
// history store is opened only when withStore is set.
func openSession(ctx context.Context, withStore bool) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s := &session{cfg: cfg, tel: tel}

	opts := []orchestrator.Option{
		orchestrator.WithTelemetry(tel),
		orchestrator.WithActor(actorName()),
	}
	if withStore {
		if s.store, err = stores.Open(ctx, cfg.Store); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to open history store: %w", err)
		}
		opts = append(opts, orchestrator.WithStore(s.store))
	}

	if s.orch, err = orchestrator.New(cfg, opts...); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the store and flushes telemetry.
func (s *session) Close() {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close history store")
		}
	}
	if err := s.tel.Shutdown(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
}

func actorName() string {
	if actor == "" {
		return "orchestra"
	}
	return actor
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
