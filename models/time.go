package models

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// UnixTime is a wall-clock timestamp that tolerates the two encodings the
// server emits: epoch seconds (possibly fractional, or milliseconds for
// values past the year 33658) and ISO-8601 strings (with or without a zone).
// Decoding normalizes both into one representation; encoding always produces
// epoch seconds.
type UnixTime struct {
	time.Time
}

// NewUnixTime truncates t to whole seconds, the resolution the wire carries.
func NewUnixTime(t time.Time) UnixTime {
	return UnixTime{t.Truncate(time.Second)}
}

func (t UnixTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("0"), nil
	}
	return []byte(strconv.FormatInt(t.Unix(), 10)), nil
}

func (t *UnixTime) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}

	if s[0] == '"' {
		return t.parseString(s[1 : len(s)-1])
	}

	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return errors.Wrapf(err, "unix time %q", s)
	}
	// Values this large are epoch milliseconds.
	if secs >= 1e12 {
		secs /= 1000
	}
	t.Time = time.Unix(int64(secs), int64((secs-float64(int64(secs)))*1e9))
	return nil
}

func (t *UnixTime) parseString(s string) error {
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05",
	} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	// Some callers stringify the epoch.
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		t.Time = time.Unix(int64(secs), 0)
		return nil
	}
	return errors.Errorf("unparseable timestamp %q", s)
}

// Before reports whether t is strictly earlier than u.
func (t UnixTime) Before(u UnixTime) bool {
	return t.Time.Before(u.Time)
}
