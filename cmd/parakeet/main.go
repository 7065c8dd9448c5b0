package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/parakeet-chat/parakeet/pkg/markov"
	"github.com/parakeet-chat/parakeet/pkg/store"
	"github.com/parakeet-chat/parakeet/pkg/textproc"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCmd builds the parakeet command tree. The config file is loaded
// in the persistent pre-run so every subcommand sees the same settings.
func NewRootCmd() *cobra.Command {
	var cfgPath string
	var cfg *Config
	var logger *slog.Logger

	cmd := &cobra.Command{
		Use:     "parakeet",
		Short:   "A persistent word-level Markov chain text generator",
		Version: fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildDate),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			cfg = loaded
			logger = setupLogger(cfg.LogLevel)
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "./parakeet.json", "Path to the JSON config file")

	env := func() (*Config, *slog.Logger) { return cfg, logger }
	cmd.AddCommand(newServeCmd(env))
	cmd.AddCommand(newGenerateCmd(env))
	cmd.AddCommand(newImportCmd(env))
	cmd.AddCommand(newCompactCmd(env))
	cmd.AddCommand(newStatsCmd(env))
	cmd.AddCommand(newClearCmd(env))
	cmd.AddCommand(newDeleteUserCmd(env))
	cmd.AddCommand(newRebuildCmd(env))
	cmd.AddCommand(newSnapshotCmd(env))

	return cmd
}

// cmdEnv hands subcommands the config and logger resolved in the
// persistent pre-run.
type cmdEnv func() (*Config, *slog.Logger)

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// app bundles the pieces every subcommand needs: the open database, the
// store over it, the text pipeline, and an in-memory model.
type app struct {
	cfg       *Config
	logger    *slog.Logger
	db        *sql.DB
	store     *store.Store
	tokenizer *markov.WordTokenizer
	processor *textproc.Processor
	model     *markov.Model
}

// openApp opens the configured database, ensures the schema, and wires
// the store and model. When loadModel is set, the model is populated
// from the store's compacted and raw data for the configured order.
func openApp(cmd *cobra.Command, env cmdEnv, loadModel bool) (*app, error) {
	cfg, logger := env()

	db, err := initDB(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if err = store.SetupSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error setting up schema: %w", err)
	}

	st, err := store.New(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error creating store: %w", err)
	}
	st.SetLogger(logger)

	model, err := markov.NewModel(cfg.Order)
	if err != nil {
		st.Close()
		_ = db.Close()
		return nil, err
	}
	model.SetLogger(logger)

	tokenizer := markov.NewWordTokenizer()
	a := &app{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		store:     st,
		tokenizer: tokenizer,
		processor: textproc.NewProcessor(tokenizer, textproc.WithMinTokens(cfg.MinMessageTokens)),
		model:     model,
	}

	if loadModel {
		states, err := model.LoadFromStore(cmd.Context(), st)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("error loading model from store: %w", err)
		}
		logger.Info("model loaded", slog.Int("order", cfg.Order), slog.Int("states", states))
	}
	return a, nil
}

func (a *app) close() {
	a.store.Close()
	_ = a.db.Close()
}

// generateOpts translates config into sampler options.
func (a *app) generateOpts() []markov.GenerateOption {
	return []markov.GenerateOption{
		markov.WithMaxTokens(a.cfg.MaxTokens),
		markov.WithTemperature(a.cfg.Temperature),
		markov.WithTopK(a.cfg.TopK),
		markov.WithRecommendedTokens(a.cfg.RecommendedTokens),
		markov.WithLoopWindow(a.cfg.LoopWindow),
	}
}
