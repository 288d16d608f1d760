package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"threadlens/pkg/db"
)

func newTestService(t *testing.T) (*Service, *db.Store) {
	t.Helper()
	store, err := db.Open("sqlite::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store), store
}

func seedInsight(t *testing.T, store *db.Store, id, sentiment string, topics []string, createdAt time.Time) {
	t.Helper()
	results, err := store.UpsertBatch([]db.ConversationInput{{
		Tweets: []db.TweetInput{{TweetID: id + "-tweet", AuthorID: "u", Text: "hello", CreatedAt: createdAt}},
	}})
	require.NoError(t, err)
	convID := results[0].ConversationID

	insight := db.Insight{
		ConversationID: convID,
		Sentiment:      sentiment,
		Topics:         db.StringSet(topics),
		LLMOutput:      db.RawJSON(`{"summary":"ok"}`),
		CreatedAt:      createdAt,
	}
	require.NoError(t, store.PutInsight(insight))
}

func TestList_DefaultsLimitWhenNonPositive(t *testing.T) {
	s, store := newTestService(t)
	seedInsight(t, store, "c1", "positive", nil, time.Now())

	page, err := s.List(Filter{}, 0, 0)
	require.NoError(t, err)
	require.Equal(t, DefaultLimit, page.Limit)
	require.Len(t, page.Items, 1)
}

func TestList_ClampsLimitToMax(t *testing.T) {
	s, _ := newTestService(t)
	page, err := s.List(Filter{}, 10000, 0)
	require.NoError(t, err)
	require.Equal(t, MaxLimit, page.Limit)
}

func TestList_ClampsNegativeOffsetToZero(t *testing.T) {
	s, _ := newTestService(t)
	page, err := s.List(Filter{}, 20, -5)
	require.NoError(t, err)
	require.Equal(t, 0, page.Offset)
}

func TestList_FiltersBySentiment(t *testing.T) {
	s, store := newTestService(t)
	seedInsight(t, store, "c1", "positive", nil, time.Now())
	seedInsight(t, store, "c2", "negative", nil, time.Now())

	page, err := s.List(Filter{Sentiment: "negative"}, 20, 0)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, "negative", page.Items[0].Sentiment)
}

func TestTrends_RejectsUnknownWindow(t *testing.T) {
	s, _ := newTestService(t)
	_, err := s.Trends("2w")
	require.ErrorIs(t, err, ErrBadWindow)
}

func TestTrends_CountsWithinWindow(t *testing.T) {
	s, store := newTestService(t)
	seedInsight(t, store, "c1", "positive", []string{"billing"}, time.Now())
	seedInsight(t, store, "c2", "negative", []string{"billing"}, time.Now().Add(-48*time.Hour))

	trends, err := s.Trends("1d")
	require.NoError(t, err)
	require.Equal(t, "1d", trends.Window)
	require.Equal(t, int64(1), trends.Volume)
	require.Equal(t, int64(1), trends.SentimentCounts["positive"])
	require.Len(t, trends.TopTopics, 1)
	require.Equal(t, "billing", trends.TopTopics[0].Value)
}
