package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConnectorKind identifies the upstream system a connector talks to
type ConnectorKind string

const (
	KindPartnerCentral ConnectorKind = "partner_central"
	KindMarketplace    ConnectorKind = "marketplace"
)

// ApprovalMode controls whether write actions execute immediately or
// require human sign-off
type ApprovalMode string

const (
	ApprovalManual ApprovalMode = "manual"
	ApprovalAuto   ApprovalMode = "auto"
)

// ConnectorConfig is the per-tenant connector definition loaded from YAML.
// It is owned by the config provider; the engine re-reads it on every
// operation rather than caching across mutations.
type ConnectorConfig struct {
	TenantID     string        `yaml:"tenant_id"`
	ConnectorID  string        `yaml:"connector_id"`
	Kind         ConnectorKind `yaml:"kind"`
	Enabled      bool          `yaml:"enabled"`
	ScheduleCron string        `yaml:"schedule_cron"`
	Entities     []string      `yaml:"entities"`
	WriteActions []string      `yaml:"write_actions"`
	ApprovalMode ApprovalMode  `yaml:"action_approval_mode"`
}

// AllowsAction reports whether the action type is on the connector's
// write-action allowlist
func (c *ConnectorConfig) AllowsAction(action string) bool {
	for _, a := range c.WriteActions {
		if a == action {
			return true
		}
	}
	return false
}

// Validate checks the connector definition for structural problems
func (c *ConnectorConfig) Validate() error {
	if c.TenantID == "" {
		return fmt.Errorf("connector config: tenant_id is required")
	}
	if c.ConnectorID == "" {
		return fmt.Errorf("connector config: connector_id is required")
	}
	switch c.Kind {
	case KindPartnerCentral, KindMarketplace:
	default:
		return fmt.Errorf("connector config: unknown kind %q", c.Kind)
	}
	switch c.ApprovalMode {
	case ApprovalManual, ApprovalAuto:
	default:
		return fmt.Errorf("connector config: unknown action_approval_mode %q", c.ApprovalMode)
	}
	return nil
}

// TenantSource supplies connector definitions to the engine
type TenantSource interface {
	// GetConnector returns the definition for one tenant's connector
	GetConnector(tenantID, connectorID string) (*ConnectorConfig, error)
	// ListConnectors returns all connector definitions
	ListConnectors() ([]*ConnectorConfig, error)
}

// TenantStore reads connector definitions from a directory laid out as
// <dir>/<tenant>/<connector>.yaml. Files are re-read on every call so
// config mutations take effect without a restart.
type TenantStore struct {
	dir string
}

// NewTenantStore creates a TenantStore rooted at dir
func NewTenantStore(dir string) *TenantStore {
	return &TenantStore{dir: dir}
}

// GetConnector loads and validates a single connector definition
func (s *TenantStore) GetConnector(tenantID, connectorID string) (*ConnectorConfig, error) {
	path := filepath.Join(s.dir, tenantID, connectorID+".yaml")
	cfg, err := s.readFile(path)
	if err != nil {
		return nil, err
	}
	if cfg.TenantID != tenantID || cfg.ConnectorID != connectorID {
		return nil, fmt.Errorf("connector config %s: tenant/connector mismatch", path)
	}
	return cfg, nil
}

// ListConnectors loads every connector definition under the config directory
func (s *TenantStore) ListConnectors() ([]*ConnectorConfig, error) {
	tenants, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read tenant config dir: %w", err)
	}

	var configs []*ConnectorConfig
	for _, t := range tenants {
		if !t.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.dir, t.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read tenant dir %s: %w", t.Name(), err)
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".yaml") {
				continue
			}
			cfg, err := s.readFile(filepath.Join(s.dir, t.Name(), f.Name()))
			if err != nil {
				return nil, err
			}
			configs = append(configs, cfg)
		}
	}
	return configs, nil
}

func (s *TenantStore) readFile(path string) (*ConnectorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("connector config not found: %w", err)
		}
		return nil, fmt.Errorf("failed to read connector config %s: %w", path, err)
	}

	var cfg ConnectorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse connector config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}
