package encoder

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"
)

// TimeFormatUnix renders times as numeric seconds since the epoch.
const TimeFormatUnix = "unixtime"

// TimeFormatter renders an event time as a record value.
type TimeFormatter func(time.Time) any

// NewTimeFormatter returns a formatter for the given time_format. "unixtime"
// (or an empty format) yields numeric seconds; anything else is a strftime
// pattern rendered in UTC, or in the local zone when local is set.
func NewTimeFormatter(format string, local bool) (TimeFormatter, error) {
	if format == "" || format == TimeFormatUnix {
		return func(t time.Time) any { return UnixTime(t) }, nil
	}

	pattern, err := strftime.New(format)
	if err != nil {
		return nil, fmt.Errorf("invalid time_format %q: %w", format, err)
	}

	return func(t time.Time) any {
		if local {
			t = t.Local()
		} else {
			t = t.UTC()
		}
		return pattern.FormatString(t)
	}, nil
}

// UnixTime renders t as seconds since the epoch. Whole seconds are rendered as
// an integer; sub-second precision is kept as a decimal fraction.
func UnixTime(t time.Time) json.Number {
	sec := t.Unix()
	nsec := t.Nanosecond()
	if nsec == 0 {
		return json.Number(strconv.FormatInt(sec, 10))
	}
	frac := strings.TrimRight(fmt.Sprintf("%09d", nsec), "0")
	if sec < 0 {
		// Unix() floors towards negative infinity; rebuild the value from the total.
		total := t.UnixNano()
		whole := -(-total / int64(time.Second))
		rem := -total % int64(time.Second)
		frac = strings.TrimRight(fmt.Sprintf("%09d", rem), "0")
		if whole == 0 {
			return json.Number("-0." + frac)
		}
		return json.Number(strconv.FormatInt(whole, 10) + "." + frac)
	}
	return json.Number(strconv.FormatInt(sec, 10) + "." + frac)
}
