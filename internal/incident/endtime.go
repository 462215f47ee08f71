package incident

import (
	"encoding/json"
	"fmt"
	"time"
)

// InfinityRepr is the wire literal for an open-ended end time. It is
// kept for compatibility with the original API, but internally the open
// end is a distinct EndTime variant rather than a sentinel timestamp.
const InfinityRepr = "infinity"

type endTimeKind uint8

const (
	endUnset endTimeKind = iota
	endAt
	endOpen
)

// EndTime is the resolution time of an incident. It has three variants:
//
//   - Unset: the incident is stateless and has no resolution concept.
//   - At(t): the incident is stateful and ended (or will end) at t.
//   - OpenEnded: the incident is stateful but not yet resolved; it
//     compares greater than any concrete timestamp.
//
// The zero value is Unset.
type EndTime struct {
	kind endTimeKind
	at   time.Time
}

// EndTimeUnset returns the Unset variant.
func EndTimeUnset() EndTime { return EndTime{} }

// EndTimeAt returns an end time fixed at t.
func EndTimeAt(t time.Time) EndTime { return EndTime{kind: endAt, at: t} }

// EndTimeOpen returns the open-ended variant.
func EndTimeOpen() EndTime { return EndTime{kind: endOpen} }

// IsSet reports whether the end time carries a value (At or OpenEnded).
func (e EndTime) IsSet() bool { return e.kind != endUnset }

// OpenEnded reports whether the end time is the open-ended variant.
func (e EndTime) OpenEnded() bool { return e.kind == endOpen }

// Time returns the concrete timestamp and true for the At variant,
// and the zero time and false otherwise.
func (e EndTime) Time() (time.Time, bool) {
	if e.kind != endAt {
		return time.Time{}, false
	}
	return e.at, true
}

// After reports whether the end time is after t. OpenEnded is after
// every timestamp; Unset is after none.
func (e EndTime) After(t time.Time) bool {
	switch e.kind {
	case endOpen:
		return true
	case endAt:
		return e.at.After(t)
	default:
		return false
	}
}

// Equal reports whether two end times are the same variant and, for the
// At variant, the same instant.
func (e EndTime) Equal(o EndTime) bool {
	if e.kind != o.kind {
		return false
	}
	if e.kind == endAt {
		return e.at.Equal(o.at)
	}
	return true
}

// String renders the end time the way the API serializes it, with the
// empty string standing in for Unset.
func (e EndTime) String() string {
	switch e.kind {
	case endOpen:
		return InfinityRepr
	case endAt:
		return e.at.Format(time.RFC3339Nano)
	default:
		return ""
	}
}

// MarshalJSON encodes Unset as null, OpenEnded as the literal
// "infinity", and At as an RFC 3339 timestamp.
func (e EndTime) MarshalJSON() ([]byte, error) {
	switch e.kind {
	case endOpen:
		return json.Marshal(InfinityRepr)
	case endAt:
		return json.Marshal(e.at.Format(time.RFC3339Nano))
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts null, the literal "infinity", or an RFC 3339
// timestamp.
func (e *EndTime) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*e = EndTimeUnset()
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return NewValidationError("end_time", "must be null, a timestamp, or \"infinity\"")
	}
	if s == InfinityRepr {
		*e = EndTimeOpen()
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return NewValidationError("end_time", fmt.Sprintf("invalid timestamp %q", s))
	}
	*e = EndTimeAt(t)
	return nil
}
