package license

import (
	"encoding/json"
	"fmt"

	"glowbridge.app/cloud/models"
)

// CanonicalPayload renders the payload as compact JSON with keys in sorted
// order. These are the exact bytes that get signed, so the serialization
// must be identical on the server and on every client that verifies
// offline: re-marshalling through a map gives Go's sorted-key ordering.
func CanonicalPayload(p models.LicensePayload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("normalize payload: %w", err)
	}
	canonical, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return canonical, nil
}
