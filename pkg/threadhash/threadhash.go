// Package threadhash computes the content-addressed digest used as the
// result cache's key.
package threadhash

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Tweet is the minimal shape threadhash needs from a loaded thread tweet.
type Tweet struct {
	AuthorID string
	Text     string
}

// Compute renders tweets (already ordered by (created_at, tweet_id) per the
// store's LoadThread) as "{author_id}\t{text}\n" with a lowercased
// author_id and whitespace-collapsed text, concatenates them in order, and
// returns the SHA-256 hex digest.
func Compute(tweets []Tweet) string {
	var b strings.Builder
	for _, t := range tweets {
		b.WriteString(strings.ToLower(t.AuthorID))
		b.WriteByte('\t')
		b.WriteString(CollapseWhitespace(t.Text))
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// CollapseWhitespace normalizes runs of whitespace to a single space and
// trims the result, matching the normalization applied at admission time.
// It is idempotent: CollapseWhitespace(CollapseWhitespace(x)) == CollapseWhitespace(x).
func CollapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}
