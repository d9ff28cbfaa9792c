// Package moderation decides whether a submitted comment is shown, hidden or
// held for a human.
package moderation

import (
	"context"
	"regexp"
	"strings"
)

// Decision is a moderation outcome.
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
	// Review holds the comment for an administrator.
	Review Decision = "review"
)

// Input is the comment under review.
type Input struct {
	PostTitle   string
	AuthorName  string
	AuthorEmail string
	Content     string
}

// Verdict is a Moderator's decision.
type Verdict struct {
	Decision Decision `json:"decision" validate:"required,oneof=approve reject review"`
	Reason   string   `json:"reason"`
}

// Moderator judges comments. Errors are transient unless wrapped otherwise by
// the implementation.
type Moderator interface {
	Moderate(ctx context.Context, in Input) (Verdict, error)
}

var linkPattern = regexp.MustCompile(`(?i)https?://|www\.`)

// Rules is a local Moderator used when no model is configured.
type Rules struct {
	// BlockedTerms reject a comment outright (case-insensitive substring).
	BlockedTerms []string
	// MaxLinks is the number of links allowed before a comment is held.
	MaxLinks int
	// MaxLength holds comments longer than this many bytes. Zero disables.
	MaxLength int
}

// DefaultRules returns a conservative rule set.
func DefaultRules() *Rules {
	return &Rules{
		BlockedTerms: []string{"viagra", "casino", "crypto giveaway", "payday loan"},
		MaxLinks:     2,
		MaxLength:    5000,
	}
}

// Moderate implements Moderator.
func (r *Rules) Moderate(_ context.Context, in Input) (Verdict, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return Verdict{Decision: Reject, Reason: "empty comment"}, nil
	}

	lower := strings.ToLower(content)
	for _, term := range r.BlockedTerms {
		if term != "" && strings.Contains(lower, strings.ToLower(term)) {
			return Verdict{Decision: Reject, Reason: "blocked term: " + term}, nil
		}
	}

	if links := len(linkPattern.FindAllStringIndex(content, -1)); links > r.MaxLinks {
		return Verdict{Decision: Review, Reason: "too many links"}, nil
	}
	if r.MaxLength > 0 && len(content) > r.MaxLength {
		return Verdict{Decision: Review, Reason: "comment too long"}, nil
	}
	return Verdict{Decision: Approve}, nil
}
