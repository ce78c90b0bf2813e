package event

import (
	"crypto/rand"
	"strings"
	"time"
)

const (
	// IDPrefix starts every event identifier.
	IDPrefix = "evt_"

	// IDSuffixLength is the number of random characters after the prefix.
	IDSuffixLength = 16

	// idAlphabet is URL-safe and exactly 64 symbols long, so masking a
	// random byte to its low six bits samples it without bias.
	idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"
)

// NewID returns a fresh event identifier: IDPrefix followed by
// IDSuffixLength characters drawn from crypto/rand.
func NewID() string {
	var raw [IDSuffixLength]byte
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(raw[:])

	var sb strings.Builder
	sb.Grow(len(IDPrefix) + IDSuffixLength)
	sb.WriteString(IDPrefix)
	for _, b := range raw {
		sb.WriteByte(idAlphabet[b&63])
	}
	return sb.String()
}

// ValidID reports whether id has the IDPrefix and a suffix of the
// expected length drawn from the URL-safe alphabet.
func ValidID(id string) bool {
	suffix, ok := strings.CutPrefix(id, IDPrefix)
	if !ok || len(suffix) != IDSuffixLength {
		return false
	}
	for i := 0; i < len(suffix); i++ {
		if strings.IndexByte(idAlphabet, suffix[i]) < 0 {
			return false
		}
	}
	return true
}

// TimestampLayout is ISO-8601 in UTC with millisecond precision and a Z suffix.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in TimestampLayout after converting it to UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses an ISO-8601 timestamp and returns it in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
