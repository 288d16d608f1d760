// Command loader bulk-imports a Kaggle-twcs-shaped CSV of tweets into the
// conversation store, batching rows through the same admission controller
// the HTTP bulk endpoint uses.
package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"threadlens/pkg/config"
	"threadlens/pkg/db"
	"threadlens/pkg/ingest"
	"threadlens/pkg/logging"
	"threadlens/pkg/queue"
)

// twcsDateLayout matches the Kaggle customer-support-on-twitter dataset's
// created_at column, e.g. "Tue Oct 31 22:10:47 +0000 2017".
const twcsDateLayout = "Mon Jan 2 15:04:05 -0700 2006"

const defaultLoaderBatchSize = 200

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		csvPath   string
		batchSize int
	)

	cmd := &cobra.Command{
		Use:   "loader",
		Short: "Bulk-load a Kaggle twcs.csv export into the conversation store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if csvPath == "" {
				return fmt.Errorf("--file is required")
			}
			if batchSize < 1 {
				batchSize = defaultLoaderBatchSize
			}
			return run(csvPath, batchSize)
		},
	}

	cmd.Flags().StringVarP(&csvPath, "file", "f", "", "path to the twcs-shaped CSV file")
	cmd.Flags().IntVarP(&batchSize, "batch-size", "b", defaultLoaderBatchSize, "conversations per admission-controller batch")

	return cmd
}

func run(csvPath string, batchSize int) error {
	logger := logging.New(logging.ParseLevel(os.Getenv("LOG_LEVEL")))

	cfg, _, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	q := queue.NewMemoryQueue(cfg.MaxQueueDepth)
	defer q.Close()

	controller := ingest.New(ingest.Options{Store: store, Queue: q, Logger: logger})

	f, err := os.Open(csvPath)
	if err != nil {
		return fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	col := columnIndex(header)

	total, accepted, rejected := 0, 0, 0
	batch := make([]ingest.ConversationIn, 0, batchSize)

	admit := func() error {
		if len(batch) == 0 {
			return nil
		}
		_, summary, err := controller.Bulk(batch)
		if err != nil {
			return fmt.Errorf("admit batch: %w", err)
		}
		accepted += summary.Accepted
		rejected += summary.Rejected
		logger.Info("loaded batch", "batch_size", len(batch), "accepted", summary.Accepted, "rejected", summary.Rejected, "backpressure", summary.Backpressure)
		batch = batch[:0]
		return nil
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read csv: %w", err)
		}

		total++
		batch = append(batch, twcsRowToConversation(record, col))
		if len(batch) >= batchSize {
			if err := admit(); err != nil {
				return err
			}
		}
	}
	if err := admit(); err != nil {
		return err
	}

	logger.Info("load complete", "total_rows", total, "accepted", accepted, "rejected", rejected)
	return nil
}

func columnIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(name)] = i
	}
	return idx
}

func field(record []string, col map[string]int, name string) string {
	i, ok := col[name]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func twcsRowToConversation(record []string, col map[string]int) ingest.ConversationIn {
	inReplyTo := field(record, col, "in_response_to_tweet_id")
	var inReplyToPtr *string
	if inReplyTo != "" {
		inReplyToPtr = &inReplyTo
	}

	inbound := parseInbound(field(record, col, "inbound"))
	createdAt := parseTwcsCreatedAt(field(record, col, "created_at"))

	text := field(record, col, "text")
	if text == "" {
		text = "(no text)"
	}

	return ingest.ConversationIn{Messages: []ingest.MessageIn{{
		TweetID:     field(record, col, "tweet_id"),
		AuthorID:    field(record, col, "author_id"),
		Text:        text,
		InReplyToID: inReplyToPtr,
		Inbound:     &inbound,
		CreatedAt:   createdAt,
	}}}
}

func parseInbound(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

func parseTwcsCreatedAt(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(twcsDateLayout, raw)
	if err != nil {
		return nil
	}
	return &t
}
