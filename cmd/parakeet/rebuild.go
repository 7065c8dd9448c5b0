package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parakeet-chat/parakeet/pkg/markov"
)

func newRebuildCmd(env cmdEnv) *cobra.Command {
	var (
		order     int
		batchSize int
	)

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Re-derive one order's transitions from the stored message corpus",
		Long: `Re-derive one order's transitions from the stored message corpus.
The order's raw transitions, compacted states, and queue entries are
deleted first, then every stored message is tokenized and retrained, so
the result reflects only the messages still in the corpus. This is the
path to exact removal after delete-user.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd, env, false)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			if order == 0 {
				order = a.cfg.Order
			}
			if _, err := markov.NewModel(order); err != nil {
				return err
			}

			if err := a.store.ClearDerived(ctx, order); err != nil {
				return err
			}

			rebuilt := 0
			for offset := 0; ; {
				messages, err := a.store.Messages(ctx, batchSize, offset)
				if err != nil {
					return err
				}
				if len(messages) == 0 {
					break
				}
				for _, msg := range messages {
					tokens := a.tokenizer.Tokenize(a.processor.Normalize(msg.Content))
					if len(tokens) > 0 {
						model, err := markov.NewModel(order)
						if err != nil {
							return err
						}
						if err := a.store.AddTransitionBatch(ctx, model.Train(tokens)); err != nil {
							return err
						}
					}
					if err := a.store.MarkProcessed(ctx, msg.ID, order); err != nil {
						return err
					}
					rebuilt++
				}
				offset += len(messages)
			}

			fmt.Printf("rebuilt order %d from %d messages\n", order, rebuilt)
			return nil
		},
	}

	cmd.Flags().IntVar(&order, "order", 0, "Order to rebuild (0 = the configured order)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 500, "Messages loaded per batch")
	return cmd
}
