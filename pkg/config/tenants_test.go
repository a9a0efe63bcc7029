package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConnector(t *testing.T, dir, tenant, connector, body string) {
	t.Helper()
	tenantDir := filepath.Join(dir, tenant)
	require.NoError(t, os.MkdirAll(tenantDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tenantDir, connector+".yaml"), []byte(body), 0o644))
}

const validConnector = `tenant_id: tenant-a
connector_id: pc-1
kind: partner_central
enabled: true
schedule_cron: "*/15 * * * *"
entities:
  - opportunity
  - engagement
write_actions:
  - create_opportunity
action_approval_mode: manual
`

func TestTenantStoreGetConnector(t *testing.T) {
	dir := t.TempDir()
	writeConnector(t, dir, "tenant-a", "pc-1", validConnector)

	store := NewTenantStore(dir)
	cfg, err := store.GetConnector("tenant-a", "pc-1")
	require.NoError(t, err)

	assert.Equal(t, "tenant-a", cfg.TenantID)
	assert.Equal(t, KindPartnerCentral, cfg.Kind)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "*/15 * * * *", cfg.ScheduleCron)
	assert.Equal(t, []string{"opportunity", "engagement"}, cfg.Entities)
	assert.Equal(t, ApprovalManual, cfg.ApprovalMode)
	assert.True(t, cfg.AllowsAction("create_opportunity"))
	assert.False(t, cfg.AllowsAction("delete_opportunity"))
}

func TestTenantStoreMissingConnector(t *testing.T) {
	store := NewTenantStore(t.TempDir())

	_, err := store.GetConnector("tenant-a", "pc-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestTenantStoreRejectsPathMismatch(t *testing.T) {
	dir := t.TempDir()
	// The file claims a different tenant than its directory
	writeConnector(t, dir, "tenant-b", "pc-1", validConnector)

	store := NewTenantStore(dir)
	_, err := store.GetConnector("tenant-b", "pc-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatch")
}

func TestTenantStoreRejectsInvalidDefinition(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown kind", "tenant_id: tenant-a\nconnector_id: pc-1\nkind: salesforce\naction_approval_mode: auto\n"},
		{"unknown approval mode", "tenant_id: tenant-a\nconnector_id: pc-1\nkind: marketplace\naction_approval_mode: maybe\n"},
		{"missing tenant", "connector_id: pc-1\nkind: marketplace\naction_approval_mode: auto\n"},
		{"malformed yaml", "tenant_id: [unclosed\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConnector(t, dir, "tenant-a", "pc-1", tt.body)

			store := NewTenantStore(dir)
			_, err := store.GetConnector("tenant-a", "pc-1")
			require.Error(t, err)
		})
	}
}

func TestTenantStoreListConnectors(t *testing.T) {
	dir := t.TempDir()
	writeConnector(t, dir, "tenant-a", "pc-1", validConnector)
	writeConnector(t, dir, "tenant-b", "mp-1", `tenant_id: tenant-b
connector_id: mp-1
kind: marketplace
enabled: false
action_approval_mode: auto
`)
	// Non-yaml files are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tenant-a", "README.md"), []byte("notes"), 0o644))

	store := NewTenantStore(dir)
	configs, err := store.ListConnectors()
	require.NoError(t, err)
	require.Len(t, configs, 2)

	ids := []string{configs[0].ConnectorID, configs[1].ConnectorID}
	assert.ElementsMatch(t, []string{"pc-1", "mp-1"}, ids)
}

func TestTenantStoreRereadsOnEveryCall(t *testing.T) {
	dir := t.TempDir()
	writeConnector(t, dir, "tenant-a", "pc-1", validConnector)

	store := NewTenantStore(dir)
	cfg, err := store.GetConnector("tenant-a", "pc-1")
	require.NoError(t, err)
	require.True(t, cfg.Enabled)

	// Disabling the connector on disk takes effect without a restart
	disabled := "tenant_id: tenant-a\nconnector_id: pc-1\nkind: partner_central\nenabled: false\naction_approval_mode: manual\n"
	writeConnector(t, dir, "tenant-a", "pc-1", disabled)

	cfg, err = store.GetConnector("tenant-a", "pc-1")
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
}
