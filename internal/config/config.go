// Package config loads HostBridge's settings from three layers — a
// built-in profile, a structured YAML file, and environment variables —
// in ascending order of precedence. Each layer only overrides what it
// explicitly sets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ToolPolicyOverride is the per-tool policy override named in the
// external interfaces table: "tools.<category>.<name>.policy" plus its
// accompanying pattern lists.
type ToolPolicyOverride struct {
	Policy        string   `yaml:"policy"`
	HITLPatterns  []string `yaml:"hitl_patterns"`
	BlockPatterns []string `yaml:"block_patterns"`
}

// HTTPEgress holds the configuration consulted by the http tool
// category's SSRF guard.
type HTTPEgress struct {
	BlockPrivateIPs       bool          `yaml:"block_private_ips"`
	BlockMetadataEndpoint bool          `yaml:"block_metadata_endpoints"`
	AllowDomains          []string      `yaml:"allow_domains"`
	BlockDomains          []string      `yaml:"block_domains"`
	DefaultTimeout        time.Duration `yaml:"default_timeout"`
	MaxTimeout            time.Duration `yaml:"max_timeout"`
	MaxResponseSizeKB     int           `yaml:"max_response_size_kb"`
}

// Config is the fully-resolved, immutable configuration handed to every
// subsystem at construction time. Nothing downstream re-reads the
// environment or a file — this is the single composition-root artifact.
type Config struct {
	Profile            string
	AdminPassword      string
	WorkspaceRoot      string
	ListenAddr         string
	DataDir            string
	HITLTTLSeconds     int
	AuditRetentionDays int
	SecretsFilePath    string
	HTTP               HTTPEgress
	ToolPolicies       map[string]ToolPolicyOverride // keyed "category.name"
}

type fileConfig struct {
	AdminPassword      string                        `yaml:"admin_password"`
	WorkspaceRoot      string                        `yaml:"workspace_root"`
	ListenPort         int                           `yaml:"listen_port"`
	DataDir            string                        `yaml:"data_dir"`
	HITLTTLSeconds     int                           `yaml:"hitl_ttl_seconds"`
	AuditRetentionDays int                           `yaml:"audit_retention_days"`
	SecretsFile        string                        `yaml:"secrets_file"`
	HTTP               HTTPEgress                    `yaml:"http"`
	Tools              map[string]ToolPolicyOverride `yaml:"tools"`
}

// profileDefaults is the dev/staging/prod table the lowest config layer
// starts from.
var profileDefaults = map[string]Config{
	"dev": {
		Profile:            "dev",
		ListenAddr:         "0.0.0.0:8080",
		DataDir:            "./data",
		HITLTTLSeconds:     300,
		AuditRetentionDays: 30,
		HTTP: HTTPEgress{
			BlockPrivateIPs:       true,
			BlockMetadataEndpoint: true,
			DefaultTimeout:        10 * time.Second,
			MaxTimeout:            60 * time.Second,
			MaxResponseSizeKB:     1024,
		},
	},
	"staging": {
		Profile:            "staging",
		ListenAddr:         "0.0.0.0:8080",
		DataDir:            "./data",
		HITLTTLSeconds:     300,
		AuditRetentionDays: 30,
		HTTP: HTTPEgress{
			BlockPrivateIPs:       true,
			BlockMetadataEndpoint: true,
			DefaultTimeout:        10 * time.Second,
			MaxTimeout:            60 * time.Second,
			MaxResponseSizeKB:     1024,
		},
	},
	"prod": {
		Profile:            "prod",
		ListenAddr:         "0.0.0.0:8080",
		DataDir:            "/var/lib/hostbridge",
		HITLTTLSeconds:     120,
		AuditRetentionDays: 90,
		HTTP: HTTPEgress{
			BlockPrivateIPs:       true,
			BlockMetadataEndpoint: true,
			DefaultTimeout:        5 * time.Second,
			MaxTimeout:            30 * time.Second,
			MaxResponseSizeKB:     512,
		},
	},
}

// LoadProfile returns a copy of the built-in defaults for name. Empty
// name defaults to "dev"; unknown names are an error.
func LoadProfile(name string) (Config, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		name = "dev"
	}
	c, ok := profileDefaults[name]
	if !ok {
		return Config{}, fmt.Errorf("unknown profile %q (valid: dev, staging, prod)", name)
	}
	c.ToolPolicies = map[string]ToolPolicyOverride{}
	return c, nil
}

// Load builds the final Config: profile defaults, overlaid by an
// optional YAML file, overlaid by environment variables. Each layer
// only overrides what it explicitly sets.
func Load(profileName, configFilePath string) (*Config, error) {
	cfg, err := LoadProfile(profileName)
	if err != nil {
		return nil, err
	}

	if configFilePath != "" {
		if err := applyFile(&cfg, configFilePath); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if cfg.WorkspaceRoot == "" {
		return nil, fmt.Errorf("workspace_root is required (set HOSTBRIDGE_WORKSPACE_ROOT or workspace_root in the config file)")
	}
	return &cfg, nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return err
	}
	if fc.AdminPassword != "" {
		cfg.AdminPassword = fc.AdminPassword
	}
	if fc.WorkspaceRoot != "" {
		cfg.WorkspaceRoot = fc.WorkspaceRoot
	}
	if fc.ListenPort != 0 {
		cfg.ListenAddr = fmt.Sprintf("0.0.0.0:%d", fc.ListenPort)
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.HITLTTLSeconds != 0 {
		cfg.HITLTTLSeconds = fc.HITLTTLSeconds
	}
	if fc.AuditRetentionDays != 0 {
		cfg.AuditRetentionDays = fc.AuditRetentionDays
	}
	if fc.SecretsFile != "" {
		cfg.SecretsFilePath = fc.SecretsFile
	}
	mergeHTTP(&cfg.HTTP, fc.HTTP)
	for k, v := range fc.Tools {
		cfg.ToolPolicies[k] = v
	}
	return nil
}

func mergeHTTP(dst *HTTPEgress, src HTTPEgress) {
	if src.AllowDomains != nil {
		dst.AllowDomains = src.AllowDomains
	}
	if src.BlockDomains != nil {
		dst.BlockDomains = src.BlockDomains
	}
	if src.DefaultTimeout != 0 {
		dst.DefaultTimeout = src.DefaultTimeout
	}
	if src.MaxTimeout != 0 {
		dst.MaxTimeout = src.MaxTimeout
	}
	if src.MaxResponseSizeKB != 0 {
		dst.MaxResponseSizeKB = src.MaxResponseSizeKB
	}
	// The two SSRF booleans are not taken from the file layer: a false
	// there cannot be told apart from an absent key, so they keep the
	// profile default (true) and change only via env (see applyEnv).
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HOSTBRIDGE_ADMIN_PASSWORD"); v != "" {
		cfg.AdminPassword = v
	}
	if v := os.Getenv("HOSTBRIDGE_WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = v
	}
	if v := os.Getenv("HOSTBRIDGE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("HOSTBRIDGE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := envInt("HOSTBRIDGE_HITL_TTL_SECONDS"); v != nil {
		cfg.HITLTTLSeconds = *v
	}
	if v := envInt("HOSTBRIDGE_AUDIT_RETENTION_DAYS"); v != nil {
		cfg.AuditRetentionDays = *v
	}
	if v := os.Getenv("HOSTBRIDGE_SECRETS_FILE"); v != "" {
		cfg.SecretsFilePath = v
	}
	if v := envBool("HOSTBRIDGE_HTTP_BLOCK_PRIVATE_IPS"); v != nil {
		cfg.HTTP.BlockPrivateIPs = *v
	}
	if v := envBool("HOSTBRIDGE_HTTP_BLOCK_METADATA_ENDPOINTS"); v != nil {
		cfg.HTTP.BlockMetadataEndpoint = *v
	}
	if v := os.Getenv("HOSTBRIDGE_HTTP_ALLOW_DOMAINS"); v != "" {
		cfg.HTTP.AllowDomains = SplitCSV(v)
	}
	if v := os.Getenv("HOSTBRIDGE_HTTP_BLOCK_DOMAINS"); v != "" {
		cfg.HTTP.BlockDomains = SplitCSV(v)
	}
}

func envInt(key string) *int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &v
}

func envBool(key string) *bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil
	}
	return &v
}

// RequireEnv reads key, failing when unset — used only at startup for
// settings with no sane default.
func RequireEnv(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("required env var %s is missing", key)
	}
	return v, nil
}

// EnvOrDefault returns the env var's value or fallback if unset.
func EnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// SplitCSV splits a comma-separated string into trimmed, non-empty parts.
func SplitCSV(raw string) []string {
	out := make([]string, 0)
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ToolPolicy looks up an override for (category, name), if any.
func (c *Config) ToolPolicy(category, name string) (ToolPolicyOverride, bool) {
	v, ok := c.ToolPolicies[category+"."+name]
	return v, ok
}
