// Package query implements the read-side service backing the insights
// listing and trends endpoints.
package query

import (
	"errors"
	"time"

	"threadlens/pkg/db"
)

// ErrBadWindow is returned by Trends for any window string other than
// "1d", "7d", or "30d".
var ErrBadWindow = errors.New("bad window")

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Filter narrows List to a subset of insights.
type Filter struct {
	Sentiment     string
	Topic         string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// Page is one page of the insights listing.
type Page struct {
	Items  []db.InsightRow
	Total  int64
	Limit  int
	Offset int
}

// Trends is the windowed aggregate response.
type Trends struct {
	Window          string
	Volume          int64
	SentimentCounts map[string]int64
	TopTopics       []db.CountedValue
	TopGaps         []db.CountedValue
}

// Service answers the query surface (C10) over the thread store.
type Service struct {
	store *db.Store
}

// New builds a Service backed by store.
func New(store *db.Store) *Service {
	return &Service{store: store}
}

// List returns a filtered, paginated page of insights joined with
// conversation metadata. limit is clamped to (0, MaxLimit], defaulting to
// DefaultLimit when non-positive; offset is clamped to be non-negative.
func (s *Service) List(filter Filter, limit, offset int) (Page, error) {
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	rows, total, err := s.store.ListInsights(db.InsightFilter{
		Sentiment:     filter.Sentiment,
		Topic:         filter.Topic,
		CreatedAfter:  filter.CreatedAfter,
		CreatedBefore: filter.CreatedBefore,
	}, limit, offset)
	if err != nil {
		return Page{}, err
	}

	return Page{Items: rows, Total: total, Limit: limit, Offset: offset}, nil
}

// Trends computes the windowed aggregate for window ∈ {1d, 7d, 30d}.
func (s *Service) Trends(window string) (Trends, error) {
	d, err := parseWindow(window)
	if err != nil {
		return Trends{}, err
	}

	agg, err := s.store.Aggregate(d)
	if err != nil {
		return Trends{}, err
	}

	return Trends{
		Window:          window,
		Volume:          agg.Volume,
		SentimentCounts: agg.SentimentCounts,
		TopTopics:       agg.TopTopics,
		TopGaps:         agg.TopGaps,
	}, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func parseWindow(window string) (time.Duration, error) {
	switch window {
	case "1d":
		return 24 * time.Hour, nil
	case "7d":
		return 7 * 24 * time.Hour, nil
	case "30d":
		return 30 * 24 * time.Hour, nil
	default:
		return 0, ErrBadWindow
	}
}
