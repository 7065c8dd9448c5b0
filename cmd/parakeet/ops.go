package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"

	"github.com/parakeet-chat/parakeet/pkg/markov"
)

func newGenerateCmd(env cmdEnv) *cobra.Command {
	var (
		seedText    string
		maxTokens   int
		temperature float64
		topK        int
		recommended int
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate text from the trained model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd, env, true)
			if err != nil {
				return err
			}
			defer a.close()

			opts := []markov.GenerateOption{
				markov.WithMaxTokens(maxTokens),
				markov.WithTemperature(temperature),
				markov.WithTopK(topK),
				markov.WithRecommendedTokens(recommended),
				markov.WithLoopWindow(a.cfg.LoopWindow),
			}
			seed := a.tokenizer.Tokenize(seedText)
			tokens, err := a.model.Generate(cmd.Context(), seed, opts...)
			if err != nil {
				return err
			}
			fmt.Println(a.processor.Normalize(a.tokenizer.Detokenize(tokens)))
			return nil
		},
	}

	defaults := DefaultConfig()
	cmd.Flags().StringVar(&seedText, "seed", "", "Seed text to start generation from")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", defaults.MaxTokens, "Hard ceiling on generated tokens")
	cmd.Flags().Float64Var(&temperature, "temperature", defaults.Temperature, "Sampling temperature (0 = deterministic)")
	cmd.Flags().IntVar(&topK, "top-k", defaults.TopK, "Restrict sampling to the k most frequent tokens (0 = unrestricted)")
	cmd.Flags().IntVar(&recommended, "recommended-tokens", defaults.RecommendedTokens, "Soft length target for the end-of-text bias (0 = disabled)")
	return cmd
}

func newCompactCmd(env cmdEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Fold raw transitions into the compacted states table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd, env, false)
			if err != nil {
				return err
			}
			defer a.close()

			folded, err := a.store.Compact(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("compacted %d raw transition rows\n", folded)
			return nil
		},
	}
}

func newStatsCmd(env cmdEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print database statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd, env, false)
			if err != nil {
				return err
			}
			defer a.close()

			stats, err := a.store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			progress, err := a.store.ProcessingStats(cmd.Context())
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(map[string]any{
				"store":      stats,
				"processing": progress,
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func newClearCmd(env cmdEnv) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all messages, transitions, and compacted states",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear training data without --yes")
			}
			a, err := openApp(cmd, env, false)
			if err != nil {
				return err
			}
			defer a.close()
			return a.store.ClearTrainingData(cmd.Context())
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion of all training data")
	return cmd
}

func newDeleteUserCmd(env cmdEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-user <user_id>",
		Short: "Delete a user's raw corpus messages",
		Long: `Delete a user's raw corpus messages. Transition counts already folded
into the compacted tables are kept; run rebuild afterwards to re-derive
each order from the remaining corpus.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, env, false)
			if err != nil {
				return err
			}
			defer a.close()

			deleted, err := a.store.DeleteUserData(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d messages for user %s\n", deleted, args[0])
			return nil
		},
	}
}

func newSnapshotCmd(env cmdEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Save or restore a whole-model snapshot file",
	}

	save := &cobra.Command{
		Use:   "save <file>",
		Short: "Write the loaded model to a snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, env, true)
			if err != nil {
				return err
			}
			defer a.close()

			var buf bytes.Buffer
			if err := a.model.Save(&buf); err != nil {
				return err
			}
			if err := atomic.WriteFile(args[0], &buf); err != nil {
				return err
			}
			fmt.Printf("saved %d states to %s\n", a.model.Len(), args[0])
			return nil
		},
	}

	load := &cobra.Command{
		Use:   "load <file>",
		Short: "Load a snapshot file and persist its transitions to the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, env, false)
			if err != nil {
				return err
			}
			defer a.close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func(f *os.File) {
				_ = f.Close()
			}(f)

			if err := a.model.Load(f); err != nil {
				return err
			}

			if err := a.store.AddTransitionBatch(cmd.Context(), a.model.Export()); err != nil {
				return err
			}
			fmt.Printf("loaded %d states from %s\n", a.model.Len(), args[0])
			return nil
		},
	}

	cmd.AddCommand(save, load)
	return cmd
}
