package tokibot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Snowflake is a Discord ID. It's always written as a JSON string, but
// is read from either a string or a bare number, since older documents
// store IDs as integers.
type Snowflake string

func (s Snowflake) String() string {
	return string(s)
}

func (s *Snowflake) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = Snowflake(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid snowflake %s: %w", data, err)
	}
	if _, err := strconv.ParseUint(n.String(), 10, 64); err != nil {
		return fmt.Errorf("invalid snowflake %s: %w", data, err)
	}
	*s = Snowflake(n.String())
	return nil
}

// UnixTime is a point in time, stored as whole epoch seconds. Fractional
// values are rounded up when read, so an expiry is never moved earlier.
type UnixTime int64

func NewUnixTime(t time.Time) UnixTime {
	return UnixTime(t.Unix())
}

func (u UnixTime) Time() time.Time {
	return time.Unix(int64(u), 0)
}

func (u *UnixTime) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("invalid epoch time %s: %w", data, err)
	}
	*u = UnixTime(math.Ceil(f))
	return nil
}

// Timestamp is written as RFC 3339, and also accepts ISO 8601 without a
// zone (read as UTC) and epoch seconds.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if len(data) > 0 && data[0] != '"' {
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("invalid timestamp %s: %w", data, err)
		}
		t.Time = time.Unix(int64(f), 0).UTC()
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", s)
}
