package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// canonicalTime normalises a timestamp to the precision persisted and hashed.
func canonicalTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func formatTimestamp(t time.Time) string {
	return canonicalTime(t).Format(timestampLayout)
}

// CanonicalDetails encodes details as JSON with sorted keys and without HTML
// escaping. A nil map encodes as {}.
func CanonicalDetails(details map[string]any) (string, error) {
	if details == nil {
		return "{}", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(details); err != nil {
		return "", fmt.Errorf("audit: encode details: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// canonicalForm is the JSON array of every hashed field, in a fixed order.
// String encoding keeps field boundaries unambiguous whatever the values
// contain. Compliance tags are not part of it.
func canonicalForm(e *Entry) string {
	fields, _ := json.Marshal([]string{
		strconv.FormatInt(e.SequenceNumber, 10),
		e.EventType,
		string(e.Severity),
		formatTimestamp(e.Timestamp),
		e.ActorRef,
		e.SessionRef,
		e.SourceAddress,
		e.Resource,
		e.Action,
		e.Details,
		e.PreviousHash,
	})
	return string(fields)
}

// ComputeHash returns the hex SHA-256 of the entry's canonical form.
func ComputeHash(e *Entry) string {
	sum := sha256.Sum256([]byte(canonicalForm(e)))
	return hex.EncodeToString(sum[:])
}
