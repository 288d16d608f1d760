package ingest

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"threadlens/pkg/db"
	"threadlens/pkg/queue"
)

// streamChunkSize is the number of conversations buffered per transaction
// while reading a streaming bulk request, keeping any one commit small
// without round-tripping the database once per line.
const streamChunkSize = 32

// BackpressureRecorder observes admission-side backpressure. Satisfied by
// *metrics.Recorder; nil is a valid no-op default.
type BackpressureRecorder interface {
	IncBackpressure()
}

// Controller is the admission surface (C3) shared by the HTTP handlers and
// the bulk CSV loader.
type Controller struct {
	store      *db.Store
	queue      queue.Queue
	throughput *ThroughputTracker
	metrics    BackpressureRecorder
	logger     *slog.Logger
}

// Options configures a Controller. Throughput and Metrics are optional.
type Options struct {
	Store      *db.Store
	Queue      queue.Queue
	Throughput *ThroughputTracker
	Metrics    BackpressureRecorder
	Logger     *slog.Logger
}

// New builds a Controller.
func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:      opts.Store,
		queue:      opts.Queue,
		throughput: opts.Throughput,
		metrics:    opts.Metrics,
		logger:     logger,
	}
}

// BulkSummary totals the outcome of a bulk or streaming admission request.
type BulkSummary struct {
	Accepted     int `json:"accepted"`
	Rejected     int `json:"rejected"`
	Backpressure int `json:"backpressure"`
}

// Single admits one conversation: persist, then offer to the queue.
// Returns ErrValidation for a malformed conversation, or a *QueueFullError
// (wrapping ErrQueueFull) if the queue is at capacity — the conversation is
// still durably persisted in that case.
func (c *Controller) Single(in ConversationIn) (Result, error) {
	if err := validate(in); err != nil {
		return Result{}, err
	}

	results, err := c.store.UpsertBatch([]db.ConversationInput{{Tweets: toTweetInputs(in)}})
	if err != nil {
		return Result{}, err
	}
	conversationID := results[0].ConversationID

	if c.queue.Offer(conversationID) {
		return Result{ConversationID: conversationID, Enqueued: true}, nil
	}

	if c.metrics != nil {
		c.metrics.IncBackpressure()
	}
	retryAfter := retryAfterSeconds(c.queue.Depth(), c.throughput)
	return Result{ConversationID: conversationID, Enqueued: false}, &QueueFullError{RetryAfterSeconds: retryAfter}
}

// Bulk admits between 1 and BulkMax conversations in a single transaction.
// Individual malformed conversations are skipped and counted as rejected
// rather than failing the whole request; only the size bound itself is a
// hard failure (ErrValidation for empty, ErrTooManyConversations for over
// the cap).
func (c *Controller) Bulk(ins []ConversationIn) ([]Result, BulkSummary, error) {
	if len(ins) == 0 {
		return nil, BulkSummary{}, ErrValidation
	}
	if len(ins) > BulkMax {
		return nil, BulkSummary{}, ErrTooManyConversations
	}

	results, summary := c.admitChunk(ins)
	return results, summary, nil
}

// admitChunk validates, persists, and offers one batch of conversations,
// preserving input order in the returned results.
func (c *Controller) admitChunk(ins []ConversationIn) ([]Result, BulkSummary) {
	results := make([]Result, len(ins))
	valid := make([]db.ConversationInput, 0, len(ins))
	validIdx := make([]int, 0, len(ins))
	var summary BulkSummary

	for i, in := range ins {
		if err := validate(in); err != nil {
			results[i] = Result{Rejected: true, Error: err.Error()}
			summary.Rejected++
			continue
		}
		valid = append(valid, db.ConversationInput{Tweets: toTweetInputs(in)})
		validIdx = append(validIdx, i)
	}

	if len(valid) == 0 {
		return results, summary
	}

	upserted, err := c.store.UpsertBatch(valid)
	if err != nil {
		for _, i := range validIdx {
			results[i] = Result{Rejected: true, Error: err.Error()}
			summary.Rejected++
		}
		return results, summary
	}

	for j, i := range validIdx {
		conversationID := upserted[j].ConversationID
		summary.Accepted++
		if c.queue.Offer(conversationID) {
			results[i] = Result{ConversationID: conversationID, Enqueued: true}
			continue
		}
		if c.metrics != nil {
			c.metrics.IncBackpressure()
		}
		summary.Backpressure++
		results[i] = Result{ConversationID: conversationID, Enqueued: false}
	}

	return results, summary
}

// streamLine is one line of a streaming bulk request or response.
type streamLine struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Enqueued       bool   `json:"enqueued,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Stream admits a newline-delimited JSON body, one ConversationIn per line,
// writing one streamLine of output per input line plus a trailing
// _summary line, without ever aborting the stream on a malformed line.
func (c *Controller) Stream(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(w)

	var summary BulkSummary
	lineCount := 0
	var chunk []ConversationIn
	var chunkLines []int

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		results, chunkSummary := c.admitChunk(chunk)
		summary.Accepted += chunkSummary.Accepted
		summary.Rejected += chunkSummary.Rejected
		summary.Backpressure += chunkSummary.Backpressure
		for _, res := range results {
			if res.Rejected {
				if err := enc.Encode(streamLine{Error: res.Error}); err != nil {
					return err
				}
				continue
			}
			if err := enc.Encode(streamLine{ConversationID: res.ConversationID, Enqueued: res.Enqueued}); err != nil {
				return err
			}
		}
		chunk = chunk[:0]
		chunkLines = chunkLines[:0]
		return nil
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lineCount++
		if lineCount > BulkMax {
			// Emit buffered earlier lines first so results stay in input order.
			if err := flush(); err != nil {
				return err
			}
			if err := enc.Encode(streamLine{Error: "too many lines in stream"}); err != nil {
				return err
			}
			summary.Rejected++
			continue
		}

		var in ConversationIn
		if err := json.Unmarshal(line, &in); err != nil {
			if err := flush(); err != nil {
				return err
			}
			if err := enc.Encode(streamLine{Error: "malformed json: " + err.Error()}); err != nil {
				return err
			}
			summary.Rejected++
			continue
		}
		chunk = append(chunk, in)
		chunkLines = append(chunkLines, lineCount)

		if len(chunk) >= streamChunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	return enc.Encode(struct {
		Summary BulkSummary `json:"_summary"`
	}{Summary: summary})
}

// IsQueueFull reports whether err (or something it wraps) is a queue-full
// admission failure.
func IsQueueFull(err error) (*QueueFullError, bool) {
	var qfe *QueueFullError
	if errors.As(err, &qfe) {
		return qfe, true
	}
	return nil, false
}
