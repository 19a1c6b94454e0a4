package rfc9111

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// deltaSeconds parses a delta-seconds value.
// §  delta-seconds = 1*DIGIT
// Malformed values count as zero.
func deltaSeconds(secondsStr string) time.Duration {
	if seconds, err := strconv.ParseUint(strings.TrimSpace(secondsStr), 10, 32); err == nil {
		return time.Second * time.Duration(seconds)
	}
	return 0
}

func toDeltaSeconds(duration time.Duration) string {
	if duration < 0 {
		duration = 0
	}
	return fmt.Sprintf("%.f", duration.Seconds())
}

// HttpDate parses an HTTP-date (RFC 9110 section 5.6.7).
// The preferred IMF-fixdate format is tried first, then the two obsolete ones.
func HttpDate(dateStr string) (time.Time, error) {
	str := strings.ToUpper(strings.TrimSpace(dateStr))
	if str == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	date, err := imfDate(str)
	if err == nil {
		return date, nil
	}
	if date, obsErr := obsDate(str); obsErr == nil {
		return date, nil
	}
	return time.Time{}, err
}

const imfDateLayout = "Mon, 02 Jan 2006 15:04:05 MST"

// FormatHttpDate renders t as IMF-fixdate in GMT.
func FormatHttpDate(t time.Time) string {
	return t.UTC().Format("Mon, 02 Jan 2006 15:04:05") + " GMT"
}

func imfDate(str string) (time.Time, error) {
	date, err := time.Parse(imfDateLayout, str)
	if err != nil {
		return date, err
	}
	// §  HTTP-date is case sensitive [...] GMT
	if name, _ := date.Zone(); name != "GMT" {
		return date, fmt.Errorf("date %s is not in GMT but %s", str, name)
	}
	return date.UTC(), nil
}

func obsDate(str string) (time.Time, error) {
	if date, err := time.Parse(time.RFC850, str); err == nil {
		return date.UTC(), nil
	}
	date, err := time.Parse(time.ANSIC, str)
	return date.UTC(), err
}
