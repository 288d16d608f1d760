package db

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	glebarezsqlite "github.com/glebarez/sqlite"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	pkgerrors "github.com/pkg/errors"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// onConflictDoNothing makes Create a no-op on a conflicting unique column,
// used for tweet and cache-entry inserts that must tolerate duplicates.
func onConflictDoNothing(column string) clause.OnConflict {
	return clause.OnConflict{Columns: []clause.Column{{Name: column}}, DoNothing: true}
}

// onConflictUpdateAll makes Create an upsert on a conflicting unique
// column, used for insight rows (put_insight is upsert-by-primary-key).
func onConflictUpdateAll(column string) clause.OnConflict {
	return clause.OnConflict{Columns: []clause.Column{{Name: column}}, UpdateAll: true}
}

// ErrStoreUnavailable wraps any failure to reach or use the underlying
// database (connect, ping, transaction commit).
var ErrStoreUnavailable = errors.New("store unavailable")

// ConversationInput is a single normalized conversation ready to persist:
// one or more tweets belonging to the same thread.
type ConversationInput struct {
	Tweets []TweetInput
}

// TweetInput is one normalized tweet from an admission request.
type TweetInput struct {
	TweetID     string
	AuthorID    string
	Text        string
	InReplyToID *string
	Inbound     *bool
	CreatedAt   time.Time
}

// UpsertResult reports the outcome of resolving one ConversationInput to a
// stored conversation.
type UpsertResult struct {
	ConversationID string
	Created        bool
}

// InsightFilter narrows list_insights.
type InsightFilter struct {
	Sentiment    string
	Topic        string
	CreatedAfter *time.Time
	CreatedBefore *time.Time
}

// InsightRow is one page row returned by ListInsights: an insight joined
// with its conversation's root tweet id.
type InsightRow struct {
	Insight
	RootTweetID string `json:"root_tweet_id"`
}

// Store persists conversations, tweets, insights and cache entries, and
// answers the query-service's read patterns.
type Store struct {
	db *gorm.DB
}

// Open connects to the database identified by databaseURL, selecting the
// GORM dialect by URL scheme (sqlite:, mysql:, postgres:/postgresql:), and
// runs AutoMigrate for the four relations.
func Open(databaseURL string) (*Store, error) {
	dialector, err := dialectorFor(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, pkgerrors.Wrap(err, "open database"))
	}

	if err := gdb.AutoMigrate(&Conversation{}, &Tweet{}, &Insight{}, &AnalysisCacheEntry{}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, pkgerrors.Wrap(err, "auto-migrate"))
	}

	store := &Store{db: gdb}
	if strings.HasPrefix(databaseURL, "sqlite:") && strings.Contains(databaseURL, ":memory:") {
		// An in-memory sqlite database is per-connection; pin the pool to a
		// single connection so every caller sees the same database.
		store.SetMaxOpenConns(1)
	}
	return store, nil
}

func dialectorFor(databaseURL string) (gorm.Dialector, error) {
	switch {
	case strings.HasPrefix(databaseURL, "sqlite:"):
		return glebarezsqlite.Open(strings.TrimPrefix(databaseURL, "sqlite:")), nil
	case strings.HasPrefix(databaseURL, "mysql:"):
		// gorm's mysql dialect wraps go-sql-driver/mysql, the driver named
		// directly in the environment contract's DATABASE_URL scheme.
		return gormmysql.Open(strings.TrimPrefix(databaseURL, "mysql:")), nil
	case strings.HasPrefix(databaseURL, "postgres:"), strings.HasPrefix(databaseURL, "postgresql:"):
		// DriverName picks lib/pq (registered by its blank import above)
		// instead of gorm's default pgx driver.
		return postgres.New(postgres.Config{DriverName: "postgres", DSN: databaseURL}), nil
	default:
		return nil, fmt.Errorf("unrecognized DATABASE_URL scheme in %q", databaseURL)
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SetMaxOpenConns bounds the connection pool shared by admission and the
// analyzer (spec's default is 10).
func (s *Store) SetMaxOpenConns(n int) {
	sqlDB, err := s.db.DB()
	if err != nil {
		return
	}
	sqlDB.SetMaxOpenConns(n)
}

// UpsertBatch persists a batch of conversation inputs in a single
// transaction, resolving each to an existing or newly allocated
// conversation id per the reuse rules: reuse via a reply resolving into an
// existing tweet's conversation, else via a submitted tweet id matching an
// existing conversation's root tweet id, else allocate fresh.
func (s *Store) UpsertBatch(inputs []ConversationInput) ([]UpsertResult, error) {
	results := make([]UpsertResult, len(inputs))

	err := s.db.Transaction(func(tx *gorm.DB) error {
		for i, in := range inputs {
			convID, created, err := resolveConversation(tx, in)
			if err != nil {
				return err
			}
			results[i] = UpsertResult{ConversationID: convID, Created: created}

			for _, t := range in.Tweets {
				tweet := Tweet{
					ID:             t.TweetID,
					ConversationID: convID,
					AuthorID:       t.AuthorID,
					Text:           t.Text,
					InReplyToID:    t.InReplyToID,
					Inbound:        t.Inbound,
					CreatedAt:      t.CreatedAt,
				}
				if err := tx.Clauses(onConflictDoNothing("id")).Create(&tweet).Error; err != nil {
					return err
				}
			}

			if err := tx.Model(&Conversation{}).Where("id = ?", convID).
				Update("updated_at", time.Now().UTC()).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return results, nil
}

// resolveConversation finds or allocates the conversation id a
// ConversationInput's tweets belong to, per the rules in §4.1.
func resolveConversation(tx *gorm.DB, in ConversationInput) (id string, created bool, err error) {
	for _, t := range in.Tweets {
		if t.InReplyToID == nil {
			continue
		}
		var parent Tweet
		lookupErr := tx.Where("id = ?", *t.InReplyToID).First(&parent).Error
		if lookupErr == nil {
			return parent.ConversationID, false, nil
		}
		if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return "", false, lookupErr
		}
	}

	for _, t := range in.Tweets {
		var conv Conversation
		lookupErr := tx.Where("root_tweet_id = ?", t.TweetID).First(&conv).Error
		if lookupErr == nil {
			return conv.ID, false, nil
		}
		if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return "", false, lookupErr
		}
	}

	root := earliestRoot(in.Tweets)
	convID := uuid.NewString()
	conv := Conversation{
		ID:          convID,
		RootTweetID: root,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := tx.Create(&conv).Error; err != nil {
		return "", false, err
	}
	return convID, true, nil
}

// earliestRoot picks the earliest submitted tweet lacking InReplyToID,
// ties broken by lexicographic tweet id; falls back to the lexicographically
// smallest tweet id if every tweet in the batch is a reply (its parent lies
// outside this batch and will be resolved on a later ingest).
func earliestRoot(tweets []TweetInput) string {
	var candidates []TweetInput
	for _, t := range tweets {
		if t.InReplyToID == nil {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		candidates = tweets
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].TweetID < candidates[j].TweetID
	})
	return candidates[0].TweetID
}

// LoadThread returns all tweets of a conversation ordered by (created_at,
// tweet_id).
func (s *Store) LoadThread(conversationID string) ([]Tweet, error) {
	var tweets []Tweet
	err := s.db.Where("conversation_id = ?", conversationID).
		Order("created_at asc, id asc").
		Find(&tweets).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return tweets, nil
}

// PutInsight upserts by primary key (conversation_id).
func (s *Store) PutInsight(insight Insight) error {
	now := time.Now().UTC()
	if insight.CreatedAt.IsZero() {
		insight.CreatedAt = now
	}
	insight.UpdatedAt = now

	err := s.db.Clauses(onConflictUpdateAll("conversation_id")).Create(&insight).Error
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// CacheGet looks up the conversation whose insight embodies threadHash.
func (s *Store) CacheGet(threadHash string) (*AnalysisCacheEntry, error) {
	var entry AnalysisCacheEntry
	err := s.db.Where("thread_hash = ?", threadHash).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &entry, nil
}

// CachePut records that threadHash's analysis is embodied by conversationID.
func (s *Store) CachePut(threadHash, conversationID string) error {
	entry := AnalysisCacheEntry{
		ThreadHash:     threadHash,
		ConversationID: conversationID,
		CreatedAt:      time.Now().UTC(),
	}
	err := s.db.Clauses(onConflictDoNothing("thread_hash")).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// GetInsight loads the insight for one conversation, if any.
func (s *Store) GetInsight(conversationID string) (*Insight, error) {
	var insight Insight
	err := s.db.Where("conversation_id = ?", conversationID).First(&insight).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &insight, nil
}

// ListInsights returns a filtered, paginated page of insights joined with
// each conversation's root tweet id, ordered by created_at descending,
// ties broken by conversation_id.
func (s *Store) ListInsights(filter InsightFilter, limit, offset int) ([]InsightRow, int64, error) {
	q := s.db.Model(&Insight{}).Joins("JOIN conversations ON conversations.id = insights.conversation_id")

	if filter.Sentiment != "" {
		q = q.Where("insights.sentiment = ?", filter.Sentiment)
	}
	if filter.Topic != "" {
		q = q.Where("insights.topics LIKE ?", "%\""+filter.Topic+"\"%")
	}
	if filter.CreatedAfter != nil {
		q = q.Where("insights.created_at >= ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		q = q.Where("insights.created_at <= ?", *filter.CreatedBefore)
	}

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	type row struct {
		Insight
		RootTweetID string
	}
	var rows []row
	err := q.Select("insights.*, conversations.root_tweet_id as root_tweet_id").
		Order("insights.created_at desc, insights.conversation_id desc").
		Limit(limit).Offset(offset).
		Scan(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	out := make([]InsightRow, len(rows))
	for i, r := range rows {
		out[i] = InsightRow{Insight: r.Insight, RootTweetID: r.RootTweetID}
	}
	return out, total, nil
}

// AggregateResult is the windowed trend summary.
type AggregateResult struct {
	Volume          int64
	SentimentCounts map[string]int64
	TopTopics       []CountedValue
	TopGaps         []CountedValue
}

// CountedValue is one (count, value) pair in a top-K ranking.
type CountedValue struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// Aggregate computes counts of insights created within the last `window`
// grouped by sentiment, plus the top-20 topics and gaps by frequency
// (ties broken lexicographically).
func (s *Store) Aggregate(window time.Duration) (AggregateResult, error) {
	since := time.Now().UTC().Add(-window)

	var insights []Insight
	err := s.db.Where("created_at >= ?", since).Find(&insights).Error
	if err != nil {
		return AggregateResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	result := AggregateResult{SentimentCounts: map[string]int64{}}
	topicCounts := map[string]int64{}
	gapCounts := map[string]int64{}

	for _, ins := range insights {
		result.Volume++
		if ins.Sentiment != "" {
			result.SentimentCounts[ins.Sentiment]++
		}
		for _, topic := range ins.Topics {
			topicCounts[topic]++
		}
		for _, gap := range ins.Gaps {
			gapCounts[gap]++
		}
	}

	result.TopTopics = topK(topicCounts, 20)
	result.TopGaps = topK(gapCounts, 20)
	return result, nil
}

func topK(counts map[string]int64, k int) []CountedValue {
	out := make([]CountedValue, 0, len(counts))
	for v, c := range counts {
		out = append(out, CountedValue{Value: v, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// ConversationsWithoutInsight returns up to `limit` conversation ids that
// have no insight row, for the crash-recovery sweeper.
func (s *Store) ConversationsWithoutInsight(limit int) ([]string, error) {
	var ids []string
	err := s.db.Model(&Conversation{}).
		Joins("LEFT JOIN insights ON insights.conversation_id = conversations.id").
		Where("insights.conversation_id IS NULL").
		Order("conversations.created_at asc").
		Limit(limit).
		Pluck("conversations.id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return ids, nil
}
