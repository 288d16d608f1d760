// Package analyzer implements the background loop that turns queued
// conversation ids into persisted insights: pre-filter, cache lookup,
// rate-limited and circuit-broken LLM analysis, then persistence.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"threadlens/pkg/breaker"
	"threadlens/pkg/db"
	"threadlens/pkg/llmclient"
	"threadlens/pkg/prefilter"
	"threadlens/pkg/queue"
	"threadlens/pkg/ratelimit"
	"threadlens/pkg/threadhash"
)

const (
	SkippedEmptyThread = "empty_thread"
	llmErrorPrefix     = "llm_error:"
)

// MetricsRecorder is the subset of pkg/metrics.Recorder the analyzer drives.
// Declared here so this package does not import pkg/metrics; any recorder
// satisfying it can be wired in without a dependency cycle.
type MetricsRecorder interface {
	ObserveLLMRequest(status string)
	SetCircuitState(state string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveLLMRequest(string) {}
func (noopMetrics) SetCircuitState(string)   {}

// ThroughputRecorder observes one processed item, feeding the admission
// controller's queue-depth-to-retry-after estimate. Satisfied by
// *ingest.ThroughputTracker; nil is a valid no-op default.
type ThroughputRecorder interface {
	Mark()
}

// Options configures an Analyzer.
type Options struct {
	Store         *db.Store
	Queue         queue.Queue
	Limiter       *ratelimit.Limiter
	Breaker       *breaker.Breaker
	LLM           *llmclient.Client
	MinMessages   int
	MinTotalChars int
	Logger        *slog.Logger
	Metrics       MetricsRecorder
	Throughput    ThroughputRecorder
}

// Analyzer drains the work queue, one conversation id at a time.
type Analyzer struct {
	store         *db.Store
	queue         queue.Queue
	limiter       *ratelimit.Limiter
	breaker       *breaker.Breaker
	llm           *llmclient.Client
	minMessages   int
	minTotalChars int
	logger        *slog.Logger
	metrics       MetricsRecorder
	throughput    ThroughputRecorder
}

// New builds an Analyzer from Options, defaulting Logger and Metrics.
func New(opts Options) *Analyzer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Analyzer{
		store:         opts.Store,
		queue:         opts.Queue,
		limiter:       opts.Limiter,
		breaker:       opts.Breaker,
		llm:           opts.LLM,
		minMessages:   opts.MinMessages,
		minTotalChars: opts.MinTotalChars,
		logger:        logger,
		metrics:       metrics,
		throughput:    opts.Throughput,
	}
}

// Run drains the queue until it is closed and empty, or ctx is cancelled.
// Cancellation interrupts an in-flight rate-limiter wait or LLM call. The
// LLM call receives ctx, so an HTTP request already dispatched is aborted
// rather than run to completion; whatever the call returns once ctx is
// done is discarded and the conversation is left without an insight.
func (a *Analyzer) Run(ctx context.Context) {
	for {
		id, ok := a.queue.Take()
		if !ok {
			return
		}
		if ctx.Err() != nil {
			return
		}
		a.processOne(ctx, id)
	}
}

// processOne runs one conversation through the pipeline stated for the
// analyzer loop: load, pre-filter, cache, rate-limit, breaker-gated LLM
// call, persist.
func (a *Analyzer) processOne(ctx context.Context, conversationID string) {
	if a.throughput != nil {
		defer a.throughput.Mark()
	}

	tweets, err := a.store.LoadThread(conversationID)
	if err != nil {
		a.logger.Error("load thread failed", "conversation_id", conversationID, "error", err)
		return
	}
	if len(tweets) == 0 {
		a.persistSkip(conversationID, SkippedEmptyThread)
		return
	}

	texts := make([]string, len(tweets))
	hashInput := make([]threadhash.Tweet, len(tweets))
	for i, t := range tweets {
		texts[i] = t.Text
		hashInput[i] = threadhash.Tweet{AuthorID: t.AuthorID, Text: t.Text}
	}

	pf := prefilter.CheckTexts(texts, a.minMessages, a.minTotalChars)
	if !pf.Proceed {
		a.persistSkip(conversationID, pf.Reason)
		return
	}

	hash := threadhash.Compute(hashInput)
	if _, ok := a.tryCacheHit(conversationID, hash); ok {
		return
	}

	if err := a.limiter.Acquire(ctx); err != nil {
		// Shutdown cancelled the wait; leave the conversation pending for a
		// future run.
		return
	}

	threadText := renderThread(tweets)
	var result llmclient.Result
	callErr := a.breaker.Call(func() error {
		r, err := a.llm.Analyze(ctx, threadText)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	a.metrics.SetCircuitState(a.breaker.State())

	if ctx.Err() != nil {
		// Shutdown arrived during the call; discard its outcome and leave
		// the conversation pending.
		return
	}

	if callErr != nil {
		if errors.Is(callErr, breaker.ErrCircuitOpen) {
			// Leave pending; a later sweep or retry may find the breaker closed.
			return
		}
		a.metrics.ObserveLLMRequest("error")
		a.persistSkip(conversationID, llmErrorPrefix+errorClass(callErr))
		return
	}

	a.metrics.ObserveLLMRequest("success")
	a.limiter.ConsumeTokens(result.TotalTokens)

	insight := db.Insight{
		ConversationID:   conversationID,
		LLMOutput:        db.RawJSON(result.LLMOutput),
		Sentiment:        result.Sentiment,
		Topics:           db.StringSet(result.Topics),
		Gaps:             db.StringSet(result.Gaps),
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		TokenUsage:       result.TotalTokens,
		CostEstimate:     result.CostEstimate,
	}
	if err := a.store.PutInsight(insight); err != nil {
		a.logger.Error("put insight failed", "conversation_id", conversationID, "error", err)
		return
	}
	if err := a.store.CachePut(hash, conversationID); err != nil {
		a.logger.Error("cache put failed", "conversation_id", conversationID, "error", err)
	}
}

// tryCacheHit copies a prior non-skipped insight sharing threadHash onto
// conversationID without an additional LLM call. ok is true if a copy was
// made (whether or not an error occurred while making it).
func (a *Analyzer) tryCacheHit(conversationID, threadHash string) (db.Insight, bool) {
	entry, err := a.store.CacheGet(threadHash)
	if err != nil {
		a.logger.Error("cache get failed", "conversation_id", conversationID, "error", err)
		return db.Insight{}, false
	}
	if entry == nil {
		return db.Insight{}, false
	}

	source, err := a.store.GetInsight(entry.ConversationID)
	if err != nil {
		a.logger.Error("load cached insight failed", "conversation_id", conversationID, "error", err)
		return db.Insight{}, false
	}
	if source == nil || source.IsSkipped() {
		// Cache invariant violated (referenced insight should be non-skipped);
		// fall through to a fresh analysis rather than propagate a skip.
		return db.Insight{}, false
	}

	copied := db.Insight{
		ConversationID: conversationID,
		LLMOutput:      source.LLMOutput,
		Sentiment:      source.Sentiment,
		Topics:         source.Topics,
		Gaps:           source.Gaps,
	}
	if err := a.store.PutInsight(copied); err != nil {
		a.logger.Error("put cached insight failed", "conversation_id", conversationID, "error", err)
	}
	return copied, true
}

func (a *Analyzer) persistSkip(conversationID, reason string) {
	if err := a.store.PutInsight(db.Insight{ConversationID: conversationID, SkippedReason: reason}); err != nil {
		a.logger.Error("persist skip failed", "conversation_id", conversationID, "reason", reason, "error", err)
	}
}

// errorClass buckets an llm client error for the skipped_reason tag.
func errorClass(err error) string {
	switch {
	case errors.Is(err, llmclient.ErrLLMProtocol):
		return "protocol"
	case errors.Is(err, llmclient.ErrLLMTransient):
		return "transient"
	default:
		return "unknown"
	}
}

// renderThread builds the numbered prompt body the LLM client sees, one
// line per tweet in load order.
func renderThread(tweets []db.Tweet) string {
	var b strings.Builder
	for i, t := range tweets {
		fmt.Fprintf(&b, "[%d] %s: %s\n", i+1, t.AuthorID, t.Text)
	}
	return b.String()
}
