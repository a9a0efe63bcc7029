package normalizer

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeIsDeterministic(t *testing.T) {
	raw := json.RawMessage(`{"id":"opp-1","status":"open","title":"Migration deal","amount":120000}`)

	first, err := Normalize("tenant-a", "opportunity", raw)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := Normalize("tenant-a", "opportunity", raw)
		require.NoError(t, err)
		assert.Equal(t, first.Payload, again.Payload, "identical input must yield byte-identical payload")
		assert.Equal(t, first.ContentHash, again.ContentHash)
	}
}

func TestNormalizeIgnoresUpstreamFieldOrder(t *testing.T) {
	a := json.RawMessage(`{"id":"opp-1","status":"open","title":"Deal"}`)
	b := json.RawMessage(`{"title":"Deal","id":"opp-1","status":"open"}`)

	recA, err := Normalize("tenant-a", "opportunity", a)
	require.NoError(t, err)
	recB, err := Normalize("tenant-a", "opportunity", b)
	require.NoError(t, err)

	assert.Equal(t, recA.Payload, recB.Payload)
	assert.Equal(t, recA.ContentHash, recB.ContentHash)
}

func TestNormalizeExtractsKnownFields(t *testing.T) {
	raw := json.RawMessage(`{"Identifier":"O1234","LifeCycle":"Approved","ProjectTitle":"EDP engagement"}`)

	rec, err := Normalize("tenant-a", "opportunity", raw)
	require.NoError(t, err)
	assert.Equal(t, "O1234", rec.UpstreamID)
	assert.Equal(t, "Approved", rec.Lifecycle)
	assert.Equal(t, "EDP engagement", rec.Title)
	assert.Equal(t, "tenant-a", rec.TenantID)
	assert.Equal(t, "opportunity", rec.Entity)
}

func TestNormalizePreservesUnknownFields(t *testing.T) {
	raw := json.RawMessage(`{"id":"opp-1","status":"open","x_custom_scoring":{"fit":0.93},"future_field":"kept"}`)

	rec, err := Normalize("tenant-a", "opportunity", raw)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(rec.Payload), &decoded))
	assert.Contains(t, decoded, "x_custom_scoring")
	assert.Equal(t, "kept", decoded["future_field"])
}

func TestNormalizePreservesLargeIntegers(t *testing.T) {
	raw := json.RawMessage(`{"id":"opp-1","sequence":9007199254740993,"revision":12345678901234567890}`)

	rec, err := Normalize("tenant-a", "opportunity", raw)
	require.NoError(t, err)

	// Values beyond float64 precision must survive digit for digit
	assert.Contains(t, rec.Payload, "9007199254740993")
	assert.Contains(t, rec.Payload, "12345678901234567890")
}

func TestNormalizeChangeDetectionViaContentHash(t *testing.T) {
	before := json.RawMessage(`{"id":"opp-1","status":"open"}`)
	after := json.RawMessage(`{"id":"opp-1","status":"closed_won"}`)

	recBefore, err := Normalize("tenant-a", "opportunity", before)
	require.NoError(t, err)
	recAfter, err := Normalize("tenant-a", "opportunity", after)
	require.NoError(t, err)

	assert.NotEqual(t, recBefore.ContentHash, recAfter.ContentHash)
}

func TestNormalizeRejectsPayloadWithoutIdentifier(t *testing.T) {
	_, err := Normalize("tenant-a", "opportunity", json.RawMessage(`{"status":"open"}`))
	require.Error(t, err)
}

func TestNormalizeRejectsNonObjectPayload(t *testing.T) {
	_, err := Normalize("tenant-a", "opportunity", json.RawMessage(`["not","an","object"]`))
	require.Error(t, err)
}
