package incident

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEndTimeVariants(t *testing.T) {
	t.Parallel()

	now := time.Now()

	unset := EndTimeUnset()
	if unset.IsSet() || unset.OpenEnded() {
		t.Error("unset end time reports set or open-ended")
	}
	if unset.After(now) {
		t.Error("unset end time is after now")
	}
	if _, ok := unset.Time(); ok {
		t.Error("unset end time yields a timestamp")
	}

	open := EndTimeOpen()
	if !open.IsSet() || !open.OpenEnded() {
		t.Error("open end time reports unset or not open-ended")
	}
	if !open.After(now) || !open.After(now.Add(100*365*24*time.Hour)) {
		t.Error("open end time must be after every timestamp")
	}

	at := EndTimeAt(now)
	if !at.IsSet() || at.OpenEnded() {
		t.Error("fixed end time reports unset or open-ended")
	}
	if !at.After(now.Add(-time.Second)) {
		t.Error("fixed end time not after an earlier instant")
	}
	if at.After(now) {
		t.Error("fixed end time is after itself")
	}
	got, ok := at.Time()
	if !ok || !got.Equal(now) {
		t.Errorf("Time() = (%v, %v), want (%v, true)", got, ok, now)
	}
}

func TestEndTimeEqual(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tests := []struct {
		name string
		a, b EndTime
		want bool
	}{
		{"unset vs unset", EndTimeUnset(), EndTimeUnset(), true},
		{"open vs open", EndTimeOpen(), EndTimeOpen(), true},
		{"at vs same at", EndTimeAt(now), EndTimeAt(now), true},
		{"at vs other at", EndTimeAt(now), EndTimeAt(now.Add(time.Second)), false},
		{"unset vs open", EndTimeUnset(), EndTimeOpen(), false},
		{"open vs at", EndTimeOpen(), EndTimeAt(now), false},
	}
	for _, tc := range tests {
		if got := tc.a.Equal(tc.b); got != tc.want {
			t.Errorf("%s: Equal = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestEndTimeJSON(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 14, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   EndTime
		wire string
	}{
		{"unset", EndTimeUnset(), `null`},
		{"open", EndTimeOpen(), `"infinity"`},
		{"at", EndTimeAt(ts), `"2026-03-14T12:30:00Z"`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			data, err := json.Marshal(tc.in)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(data) != tc.wire {
				t.Errorf("marshal = %s, want %s", data, tc.wire)
			}

			var back EndTime
			if err := json.Unmarshal(data, &back); err != nil {
				t.Fatalf("unmarshal %s: %v", data, err)
			}
			if !back.Equal(tc.in) {
				t.Errorf("round trip = %v, want %v", back, tc.in)
			}
		})
	}
}

func TestEndTimeUnmarshalInvalid(t *testing.T) {
	t.Parallel()

	for _, wire := range []string{`"yesterday"`, `42`, `{"t":1}`, `""`} {
		var e EndTime
		err := json.Unmarshal([]byte(wire), &e)
		if err == nil {
			t.Errorf("unmarshal %s succeeded, want error", wire)
			continue
		}
		ve, ok := AsValidationError(err)
		if !ok {
			t.Errorf("unmarshal %s error = %T, want *ValidationError", wire, err)
			continue
		}
		if _, ok := ve.Fields["end_time"]; !ok {
			t.Errorf("unmarshal %s error fields = %v, want end_time entry", wire, ve.Fields)
		}
	}
}
