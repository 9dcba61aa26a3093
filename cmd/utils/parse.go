package utils

import (
	"time"

	"github.com/pkg/errors"
)

const TimeLayout = "2006-01-02 15:04:05"

// ParseTime parses an operator-supplied timestamp. All bookkeeping is
// UTC, so the flags are too.
func ParseTime(str string) (time.Time, error) {
	return time.ParseInLocation(TimeLayout, str, time.UTC)
}

// ParseStartEndTime parses an optional window. Empty strings yield zero
// times, meaning unbounded on that side.
func ParseStartEndTime(start, end string) (startTime, endTime time.Time, err error) {
	if start != "" {
		if startTime, err = ParseTime(start); err != nil {
			return
		}
	}
	if end != "" {
		if endTime, err = ParseTime(end); err != nil {
			return
		}
	}
	if !startTime.IsZero() && !endTime.IsZero() && !startTime.Before(endTime) {
		err = errors.Errorf("start time (%s) must be before end time (%s)", startTime, endTime)
	}
	return
}
