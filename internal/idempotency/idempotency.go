package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

// EventKey derives a stable idempotency key for a protocol event from
// its room and event id. Replay after restart produces the same key,
// which is what lets duplicates be absorbed silently.
func EventKey(roomID, eventID string) string {
	return "evt_" + hashCanonical(map[string]string{
		"room_id":  roomID,
		"event_id": eventID,
	})
}

// PayloadKey derives an idempotency key over an arbitrary JSON-encodable
// payload via RFC 8785 canonicalization, so key derivation is
// insensitive to map ordering and encoder whitespace.
func PayloadKey(prefix string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("idempotency marshal: %w", err)
	}
	canonical, err := jsoncanonicalizer.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("idempotency canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return prefix + "_" + hex.EncodeToString(sum[:16]), nil
}

func hashCanonical(payload map[string]string) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		// map[string]string cannot fail to marshal
		panic(err)
	}
	canonical, err := jsoncanonicalizer.Transform(raw)
	if err != nil {
		panic(err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:16])
}
