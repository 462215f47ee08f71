package incident

import (
	"fmt"
	"regexp"
	"strings"
)

// TagDelimiter separates a tag's key from its value in the canonical
// string form. The delimiter is reserved in keys; values may contain it.
const TagDelimiter = "="

// tagKeyRe is the allowed charset for tag keys.
var tagKeyRe = regexp.MustCompile(`^[a-z0-9_]+$`)

// Tag is a shared key=value label attachable to many incidents. Tags are
// interned: a (key, value) pair exists at most once in the store and is
// referenced by any number of incidents.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// JoinTag builds the canonical string form of a tag.
func JoinTag(key, value string) string {
	return key + TagDelimiter + value
}

// SplitTag splits a canonical tag string on the first delimiter only, so
// values may themselves contain the delimiter. ok is false when the
// string has no delimiter at all.
func SplitTag(s string) (key, value string, ok bool) {
	return strings.Cut(s, TagDelimiter)
}

// ParseTag parses and validates a canonical "key=value" string. The key
// is trimmed of surrounding whitespace before validation and becomes the
// stored key; the value is kept verbatim.
func ParseTag(s string) (Tag, error) {
	key, value, ok := SplitTag(s)
	if !ok {
		return Tag{}, NewValidationError(s, fmt.Sprintf("the tag must contain an equality sign (%s) delimiter", TagDelimiter))
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return Tag{}, NewValidationError(s, "the tag's key must not be empty")
	}
	if !tagKeyRe.MatchString(key) {
		return Tag{}, NewValidationError(s, "tag keys consist of lowercase letters, numbers and underscores")
	}
	return Tag{Key: key, Value: value}, nil
}

// String returns the canonical "key=value" form.
func (t Tag) String() string {
	return JoinTag(t.Key, t.Value)
}
