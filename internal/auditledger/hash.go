package auditledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// timestampLayout is the fixed-width UTC layout used for hashing and for
// text-ordered storage columns.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// hashPair combines two child hashes. Children are concatenated in their hex
// form, left first.
func hashPair(left, right string) string {
	return Sum([]byte(left + right))
}

// LeafHash computes the leaf committed for an event from its identifying fields.
// EventData and Metadata are not part of the leaf.
func LeafHash(e *AuditEvent) string {
	return Sum([]byte(fmt.Sprintf("%s:%s:%s:%s:%s",
		e.EventID, e.EntityID, e.EventType, formatTimestamp(e.Timestamp), e.ActorID,
	)))
}
