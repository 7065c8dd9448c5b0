package main

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newImportCmd(env cmdEnv) *cobra.Command {
	var (
		format    string
		channelID string
		userID    string
		column    string
	)

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Batch-import training data from a JSON, CSV, or text file",
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

			var contents []importRecord
			switch format {
			case "json":
				contents, err = readJSONRecords(f)
			case "csv":
				contents, err = readCSVRecords(f, column)
			case "text":
				contents, err = readTextRecords(f)
			default:
				return fmt.Errorf("unknown format %q (want json, csv, or text)", format)
			}
			if err != nil {
				return fmt.Errorf("could not read %s: %w", args[0], err)
			}

			imported := 0
			for _, rec := range contents {
				tokens := a.processor.Preprocess(rec.content)
				if tokens == nil {
					continue
				}
				msgID, err := a.store.AddMessage(cmd.Context(), userID, channelID, rec.content, rec.timestamp)
				if err != nil {
					return err
				}
				if err := a.store.AddTransitionBatch(cmd.Context(), a.model.Train(tokens)); err != nil {
					return err
				}
				if err := a.store.MarkPending(cmd.Context(), msgID, a.cfg.BackgroundOrders...); err != nil {
					return err
				}
				imported++
			}

			fmt.Printf("imported %d of %d records\n", imported, len(contents))
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "Input format: json, csv, or text (one message per line)")
	cmd.Flags().StringVar(&channelID, "channel", "import", "Channel id recorded for imported messages")
	cmd.Flags().StringVar(&userID, "user", "seed", "User id recorded for imported messages")
	cmd.Flags().StringVar(&column, "column", "content", "CSV column containing message content")
	return cmd
}

type importRecord struct {
	content   string
	timestamp time.Time
}

// readJSONRecords accepts either an array of objects or a single object,
// taking the first of the content/text/message fields that is set.
func readJSONRecords(r io.Reader) ([]importRecord, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, err
	}

	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		var single map[string]any
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, err
		}
		items = []map[string]any{single}
	}

	var records []importRecord
	for _, item := range items {
		var content string
		for _, key := range []string{"content", "text", "message"} {
			if v, ok := item[key].(string); ok && v != "" {
				content = v
				break
			}
		}
		if content == "" {
			continue
		}
		rec := importRecord{content: content}
		if v, ok := item["timestamp"].(string); ok {
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				rec.timestamp = ts
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func readCSVRecords(r io.Reader, column string) ([]importRecord, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return nil, err
	}
	col := -1
	for i, name := range header {
		if name == column {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("column %q not found in header", column)
	}

	var records []importRecord
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if col < len(row) && row[col] != "" {
			records = append(records, importRecord{content: row[col]})
		}
	}
	return records, nil
}

func readTextRecords(r io.Reader) ([]importRecord, error) {
	var records []importRecord
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			records = append(records, importRecord{content: line})
		}
	}
	return records, scanner.Err()
}
