// Package normalizer transforms raw upstream payloads into canonical
// records. Normalization is a pure function of its input: the same raw
// payload always yields a byte-identical canonical record, so re-runs
// are safe and change detection can compare content instead of trusting
// upstream change feeds.
package normalizer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/Diatonic-AI/partner-connectors/internal/model"
	"github.com/goccy/go-json"
)

// Field names probed for the upstream identifier, in priority order.
// Partner Central uses Identifier/Id depending on the entity; Marketplace
// uses EntityId.
var idFields = []string{"id", "identifier", "Identifier", "Id", "EntityId", "entity_id"}

// Field names probed for the lifecycle/status value.
var lifecycleFields = []string{"status", "lifecycle", "stage", "Status", "LifeCycle", "Stage"}

// Field names probed for a display title.
var titleFields = []string{"title", "name", "Title", "Name", "ProjectTitle"}

// Normalize converts one raw upstream payload into a CanonicalRecord.
// Unknown fields are preserved opaquely in the canonical payload rather
// than dropped, keeping the record forward-compatible.
func Normalize(tenantID, entity string, raw json.RawMessage) (*model.CanonicalRecord, error) {
	// Numbers decode as json.Number, not float64: upstream integer ids
	// above 2^53 must survive the round trip digit for digit.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("normalize: payload is not a JSON object: %w", err)
	}

	upstreamID := firstString(fields, idFields)
	if upstreamID == "" {
		return nil, fmt.Errorf("normalize: payload has no upstream identifier")
	}

	// Re-encode through a decoded map: JSON object keys marshal in
	// sorted order, which makes the canonical payload deterministic
	// regardless of upstream field ordering.
	canonical, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("normalize: failed to encode canonical payload: %w", err)
	}

	sum := sha256.Sum256(canonical)

	return &model.CanonicalRecord{
		TenantID:    tenantID,
		Entity:      entity,
		UpstreamID:  upstreamID,
		Lifecycle:   firstString(fields, lifecycleFields),
		Title:       firstString(fields, titleFields),
		Payload:     string(canonical),
		ContentHash: hex.EncodeToString(sum[:]),
	}, nil
}

// firstString returns the first non-empty string value among the named
// fields
func firstString(fields map[string]interface{}, names []string) string {
	for _, name := range names {
		if v, ok := fields[name].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
