// Package db holds the persisted relations for the ingestion and analysis
// pipeline and the Store that operates on them.
package db

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Conversation is one reconstructed thread: a root tweet plus all replies
// sharing its conversation id.
type Conversation struct {
	ID          string    `json:"conversation_id" gorm:"column:id;primaryKey;size:36"`
	RootTweetID string    `json:"root_tweet_id" gorm:"uniqueIndex;size:64;not null"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Tweets  []Tweet  `json:"-" gorm:"foreignKey:ConversationID;references:ID"`
	Insight *Insight `json:"-" gorm:"foreignKey:ConversationID;references:ID"`
}

func (Conversation) TableName() string { return "conversations" }

// Tweet is a single message in a thread, linked to its parent (if any) via
// InReplyToID.
type Tweet struct {
	ID             string    `json:"tweet_id" gorm:"column:id;primaryKey;size:64"`
	ConversationID string    `json:"conversation_id" gorm:"index;size:36;not null"`
	AuthorID       string    `json:"author_id" gorm:"index;size:64;not null"`
	Text           string    `json:"text" gorm:"type:text;not null"`
	InReplyToID    *string   `json:"in_reply_to_id,omitempty" gorm:"index;size:64"`
	Inbound        *bool     `json:"inbound,omitempty"`
	CreatedAt      time.Time `json:"created_at" gorm:"index;not null"`
}

func (Tweet) TableName() string { return "tweets" }

// Permitted sentiment values (§3 of the analysis contract this store backs).
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
	SentimentMixed    = "mixed"
	SentimentUnknown  = "unknown"
)

// StringSet stores a JSON array of strings in a single text column.
type StringSet []string

func (s StringSet) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	return json.Marshal([]string(s))
}

func (s *StringSet) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		if len(v) == 0 {
			*s = nil
			return nil
		}
		return json.Unmarshal(v, s)
	case string:
		if v == "" {
			*s = nil
			return nil
		}
		return json.Unmarshal([]byte(v), s)
	default:
		return nil
	}
}

// RawJSON stores an opaque JSON blob (the JSON object extracted from the
// LLM's reply) byte for byte.
type RawJSON json.RawMessage

func (r RawJSON) Value() (driver.Value, error) {
	if len(r) == 0 {
		return nil, nil
	}
	return string(r), nil
}

func (r *RawJSON) Scan(value interface{}) error {
	if value == nil {
		*r = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*r = append(RawJSON(nil), v...)
	case string:
		*r = RawJSON(v)
	}
	return nil
}

// MarshalJSON lets RawJSON round-trip through the query service's own JSON
// responses without being re-escaped as a string.
func (r RawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

func (r *RawJSON) UnmarshalJSON(data []byte) error {
	*r = append(RawJSON(nil), data...)
	return nil
}

// Insight is the derived analysis record for a conversation. Exactly one of
// LLMOutput / SkippedReason is populated at any time.
type Insight struct {
	ConversationID string    `json:"conversation_id" gorm:"primaryKey;size:36"`
	LLMOutput      RawJSON   `json:"llm_output,omitempty" gorm:"type:text"`
	Sentiment      string    `json:"sentiment,omitempty" gorm:"index;size:16"`
	Topics         StringSet `json:"topics,omitempty" gorm:"type:text"`
	Gaps           StringSet `json:"gaps,omitempty" gorm:"type:text"`
	PromptTokens   int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	TokenUsage     int       `json:"token_usage"`
	CostEstimate   float64   `json:"cost_estimate"`
	SkippedReason  string    `json:"skipped_reason,omitempty" gorm:"size:128"`
	CreatedAt      time.Time `json:"created_at" gorm:"index"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Insight) TableName() string { return "insights" }

// IsSkipped reports whether this insight represents a skipped analysis
// (empty thread, pre-filter, or an LLM error) rather than a completed LLM
// analysis. A breaker deferral writes no insight at all.
func (i Insight) IsSkipped() bool {
	return i.SkippedReason != ""
}

// AnalysisCacheEntry maps a content-addressed thread hash to the
// conversation whose insight embodies it, so identical thread content is
// analyzed by the LLM at most once.
type AnalysisCacheEntry struct {
	ThreadHash     string    `json:"thread_hash" gorm:"primaryKey;size:64"`
	ConversationID string    `json:"conversation_id" gorm:"index;size:36;not null"`
	CreatedAt      time.Time `json:"created_at"`
}

func (AnalysisCacheEntry) TableName() string { return "analysis_cache" }
