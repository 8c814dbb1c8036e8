// Package timestamp converts between the sensor clock (int64 nanoseconds)
// and the wall-clock forms used on the wire and in metadata records.
//
// Sensor timestamps are the correlation key: an image and its capture
// completion match only when their nanosecond values are equal, so every
// conversion here is lossless in the nanosecond direction.
package timestamp

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Now returns the current wall-clock time in Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// FormatSensor renders a sensor timestamp as decimal nanoseconds, the form
// carried in message headers.
func FormatSensor(ns int64) string {
	return strconv.FormatInt(ns, 10)
}

// ParseSensor reads a sensor timestamp. It accepts decimal nanoseconds or an
// RFC3339 time with up to nanosecond precision.
func ParseSensor(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty sensor timestamp")
	}
	if ns, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ns < 0 {
			return 0, fmt.Errorf("negative sensor timestamp %d", ns)
		}
		return ns, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, fmt.Errorf("sensor timestamp %q: %w", s, err)
	}
	return t.UnixNano(), nil
}

// SensorTime interprets a sensor timestamp as nanoseconds since the Unix
// epoch. Sources with a free-running clock produce times near 1970.
func SensorTime(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
