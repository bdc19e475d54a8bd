package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// parseDuration accepts Go duration strings and bare numbers, which are
// taken as milliseconds.
func parseDuration(data string) (time.Duration, error) {
	if t, errp := strconv.ParseFloat(data, 64); errp == nil {
		return time.Duration(t * float64(time.Millisecond)), nil
	}
	return time.ParseDuration(data)
}

// NullDuration is a nullable time.Duration, in the same vein as the
// nullable types provided by package gopkg.in/guregu/null.v3.
type NullDuration struct {
	Duration time.Duration
	Valid    bool
}

// NullDurationFrom returns a new valid NullDuration from a time.Duration.
func NullDurationFrom(d time.Duration) NullDuration {
	return NullDuration{d, true}
}

// UnmarshalText converts text data to a valid NullDuration.
func (d *NullDuration) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*d = NullDuration{}
		return nil
	}
	v, err := parseDuration(string(data))
	if err != nil {
		return err
	}
	*d = NullDuration{v, true}
	return nil
}

// UnmarshalJSON converts JSON data to a valid NullDuration.
func (d *NullDuration) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte(`null`)) {
		d.Valid = false
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return d.UnmarshalText([]byte(s))
	}
	t, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("'%s' is not a valid duration value", string(data))
	}
	*d = NullDuration{time.Duration(t * float64(time.Millisecond)), true}
	return nil
}

// MarshalJSON returns the JSON representation of d.
func (d NullDuration) MarshalJSON() ([]byte, error) {
	if !d.Valid {
		return []byte(`null`), nil
	}
	return json.Marshal(d.Duration.String())
}

// NullDurations is a nullable list of durations such as a retry
// backoff schedule.
type NullDurations struct {
	Durations []time.Duration
	Valid     bool
}

// NullDurationsFrom returns a valid NullDurations holding ds.
func NullDurationsFrom(ds ...time.Duration) NullDurations {
	return NullDurations{ds, true}
}

// UnmarshalText parses a comma separated list like "0,20ms,50".
func (d *NullDurations) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*d = NullDurations{}
		return nil
	}
	var ds []time.Duration
	for _, p := range strings.Split(string(data), ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := parseDuration(p)
		if err != nil {
			return fmt.Errorf("invalid duration %q in list: %w", p, err)
		}
		ds = append(ds, v)
	}
	if len(ds) == 0 {
		return fmt.Errorf("duration list %q is empty", string(data))
	}
	*d = NullDurations{ds, true}
	return nil
}

// UnmarshalJSON accepts an array of numbers (milliseconds) or strings.
func (d *NullDurations) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte(`null`)) {
		d.Valid = false
		return nil
	}
	var raw []NullDuration
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		return fmt.Errorf("duration list is empty")
	}
	ds := make([]time.Duration, 0, len(raw))
	for _, r := range raw {
		ds = append(ds, r.Duration)
	}
	*d = NullDurations{ds, true}
	return nil
}
