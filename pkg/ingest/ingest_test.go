package ingest

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"threadlens/pkg/db"
	"threadlens/pkg/queue"
)

func newTestController(t *testing.T, capacity int) (*Controller, *db.Store, queue.Queue) {
	t.Helper()
	store, err := db.Open("sqlite::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	q := queue.NewMemoryQueue(capacity)
	t.Cleanup(q.Close)

	return New(Options{Store: store, Queue: q}), store, q
}

func TestSingle_ValidationErrorOnEmptyMessages(t *testing.T) {
	c, _, _ := newTestController(t, 10)
	_, err := c.Single(ConversationIn{})
	require.ErrorIs(t, err, ErrValidation)
}

func TestSingle_ValidationErrorOnMissingField(t *testing.T) {
	c, _, _ := newTestController(t, 10)
	_, err := c.Single(ConversationIn{Messages: []MessageIn{{TweetID: "t1", Text: "hi"}}})
	require.ErrorIs(t, err, ErrValidation)
}

func TestSingle_PersistsAndEnqueues(t *testing.T) {
	c, _, q := newTestController(t, 10)
	res, err := c.Single(ConversationIn{Messages: []MessageIn{
		{TweetID: "t1", AuthorID: "u1", Text: "  hello   there  "},
	}})
	require.NoError(t, err)
	require.True(t, res.Enqueued)
	require.NotEmpty(t, res.ConversationID)
	require.Equal(t, 1, q.Depth())
}

func TestSingle_QueueFullReturnsRetryAfter(t *testing.T) {
	c, _, _ := newTestController(t, 1)
	_, err := c.Single(ConversationIn{Messages: []MessageIn{{TweetID: "t1", AuthorID: "u1", Text: "one"}}})
	require.NoError(t, err)

	res, err := c.Single(ConversationIn{Messages: []MessageIn{{TweetID: "t2", AuthorID: "u1", Text: "two"}}})
	require.Error(t, err)
	require.False(t, res.Enqueued)
	qfe, ok := IsQueueFull(err)
	require.True(t, ok)
	require.GreaterOrEqual(t, qfe.RetryAfterSeconds, 1)
}

func TestBulk_RejectsEmptyRequest(t *testing.T) {
	c, _, _ := newTestController(t, 10)
	_, _, err := c.Bulk(nil)
	require.ErrorIs(t, err, ErrValidation)
}

func TestBulk_RejectsOverCap(t *testing.T) {
	c, _, _ := newTestController(t, 10)
	ins := make([]ConversationIn, BulkMax+1)
	for i := range ins {
		ins[i] = ConversationIn{Messages: []MessageIn{{TweetID: "t", AuthorID: "u", Text: "x"}}}
	}
	_, _, err := c.Bulk(ins)
	require.ErrorIs(t, err, ErrTooManyConversations)
}

func TestBulk_SkipsMalformedItemsWithoutFailingWholeRequest(t *testing.T) {
	c, _, _ := newTestController(t, 10)
	results, summary, err := c.Bulk([]ConversationIn{
		{Messages: []MessageIn{{TweetID: "t1", AuthorID: "u1", Text: "ok"}}},
		{Messages: []MessageIn{{TweetID: "", AuthorID: "u1", Text: "bad"}}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Accepted)
	require.Equal(t, 1, summary.Rejected)
	require.Len(t, results, 2)
	require.True(t, results[0].Enqueued)
	require.True(t, results[1].Rejected)
}

func TestBulk_CountsBackpressureWithoutDroppingPersistence(t *testing.T) {
	c, store, _ := newTestController(t, 1)
	results, summary, err := c.Bulk([]ConversationIn{
		{Messages: []MessageIn{{TweetID: "t1", AuthorID: "u1", Text: "one"}}},
		{Messages: []MessageIn{{TweetID: "t2", AuthorID: "u1", Text: "two"}}},
	})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Accepted)
	require.Equal(t, 1, summary.Backpressure)

	_, total, err := store.ListInsights(db.InsightFilter{}, 20, 0)
	require.NoError(t, err)
	_ = total
	require.False(t, results[1].Enqueued)

	thread, err := store.LoadThread(results[1].ConversationID)
	require.NoError(t, err)
	require.Len(t, thread, 1)
}

func TestStream_EmitsPerLineResultsAndSummary(t *testing.T) {
	c, _, _ := newTestController(t, 10)
	input := strings.Join([]string{
		`{"messages":[{"tweet_id":"t1","author_id":"u1","text":"hello"}]}`,
		`not json`,
		`{"messages":[{"tweet_id":"t2","author_id":"u1","text":"world"}]}`,
	}, "\n")

	var out bytes.Buffer
	err := c.Stream(strings.NewReader(input), &out)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)

	var l1 streamLine
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &l1))
	require.True(t, l1.Enqueued)

	var l2 streamLine
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &l2))
	require.NotEmpty(t, l2.Error)

	var summary struct {
		Summary BulkSummary `json:"_summary"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[3]), &summary))
	require.Equal(t, 2, summary.Summary.Accepted)
	require.Equal(t, 1, summary.Summary.Rejected)
}

func TestThroughputTracker_EstimatesRateAndPrunesOldMarks(t *testing.T) {
	tr := NewThroughputTracker(time.Minute)
	require.Equal(t, float64(0), tr.RatePerSecond())
	tr.Mark()
	tr.Mark()
	require.Greater(t, tr.RatePerSecond(), float64(0))
}

func TestRetryAfterSeconds_FallsBackWithoutThroughputData(t *testing.T) {
	require.Equal(t, 5, retryAfterSeconds(100, nil))
	require.Equal(t, 5, retryAfterSeconds(100, NewThroughputTracker(time.Minute)))
}
