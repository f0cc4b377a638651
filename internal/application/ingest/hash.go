package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// canonicalSide is one quoted side in the hash representation. Derived fields
// (implied/fair probabilities, capture time) are deliberately excluded so
// re-captures of an unchanged price hash identically. Field names are kept in
// sorted order to match the serialized key order.
type canonicalSide struct {
	American float64 `json:"american"`
	Decimal  float64 `json:"decimal"`
	Side     string  `json:"side"`
}

type canonicalGroup struct {
	Bookmaker string          `json:"bookmaker"`
	EventID   string          `json:"event_id"`
	MarketKey string          `json:"market_key"`
	Point     *float64        `json:"point"`
	Sides     []canonicalSide `json:"sides"`
}

// GroupHash computes the content hash of one bookmaker quote group: SHA-256
// over the compact JSON of the canonical representation with sides sorted.
func GroupHash(eventID, marketKey, bookmaker string, point *float64, sides []canonicalSide) (string, error) {
	sorted := make([]canonicalSide, len(sides))
	copy(sorted, sides)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Side < sorted[j].Side })

	repr := canonicalGroup{
		Bookmaker: bookmaker,
		EventID:   eventID,
		MarketKey: marketKey,
		Point:     point,
		Sides:     sorted,
	}

	raw, err := json.Marshal(repr)
	if err != nil {
		return "", fmt.Errorf("failed to serialize group for hashing: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
