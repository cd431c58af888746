// Package taxonomy defines the four-level tag model applied to every
// document and the rules for normalizing, validating, and canonicalizing
// individual tags.
//
// The four levels, from most to least significant, are Magazine, Science,
// Topic, and Content. Every persisted document carries exactly one value per
// level.
package taxonomy

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Tag length limits in runes. Content tags describe the concrete subject and
// get more room than the three classification levels.
const (
	MaxTagLength        = 50
	MaxContentTagLength = 100
)

// TagSet is the four-level classification assigned to a document.
// A validated TagSet has every level non-empty and within its length limit.
type TagSet struct {
	Magazine string
	Science  string
	Topic    string
	Content  string
}

// Top3Key returns the (magazine, science, topic) prefix used for series
// candidacy and gap grouping.
func (t TagSet) Top3Key() string {
	return t.Magazine + "/" + t.Science + "/" + t.Topic
}

// MatchCount returns how many of the four levels exactly equal the
// corresponding level of other. Result is always in [0, 4].
func (t TagSet) MatchCount(other TagSet) int {
	n := 0
	if t.Magazine == other.Magazine {
		n++
	}
	if t.Science == other.Science {
		n++
	}
	if t.Topic == other.Topic {
		n++
	}
	if t.Content == other.Content {
		n++
	}
	return n
}

// ValidationError reports a tag level that failed validation.
type ValidationError struct {
	Level  string // "magazine", "science", "topic", "content"
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tag %s: %s", e.Level, e.Reason)
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// Normalize cleans a single tag: trims surrounding whitespace, folds
// full-width spaces (U+3000) to regular spaces, and collapses internal
// whitespace runs to a single space. Normalize is idempotent.
func Normalize(tag string) string {
	tag = strings.TrimSpace(tag)
	tag = strings.ReplaceAll(tag, "　", " ")
	tag = whitespaceRun.ReplaceAllString(tag, " ")
	return strings.TrimSpace(tag)
}

// Validate normalizes every level of tags and checks the emptiness and
// length invariants. It returns the normalized TagSet, or a *ValidationError
// naming the first level that failed.
func Validate(tags TagSet) (TagSet, error) {
	levels := []struct {
		name  string
		value *string
		max   int
	}{
		{"magazine", &tags.Magazine, MaxTagLength},
		{"science", &tags.Science, MaxTagLength},
		{"topic", &tags.Topic, MaxTagLength},
		{"content", &tags.Content, MaxContentTagLength},
	}

	for _, lv := range levels {
		v := Normalize(*lv.value)
		if v == "" {
			return TagSet{}, &ValidationError{Level: lv.name, Reason: "empty after normalization"}
		}
		if n := utf8.RuneCountInString(v); n > lv.max {
			return TagSet{}, &ValidationError{
				Level:  lv.name,
				Reason: fmt.Sprintf("too long: %d > %d", n, lv.max),
			}
		}
		*lv.value = v
	}

	return tags, nil
}
