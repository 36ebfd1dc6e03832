package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

const (
	keyA = "a1a2a3a4a5a6a7a8a9aaabacadaeafb0b1b2b3b4b5b6b7b8b9babbbcbdbebfc0"
	keyB = "00000000000000000000000000000000000000000000000000000000000000ff"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Server config
	assert.Equal(t, "0.0.0.0:4977", cfg.Server.RPCAddr)
	assert.Equal(t, "0.0.0.0:8000", cfg.Server.HTTPAddr)
	assert.Equal(t, 1024, cfg.Server.HTTPMaxConns)

	// Storage config
	assert.Equal(t, "rpc-discovery", cfg.Storage.Path)
	assert.Equal(t, 256, cfg.Storage.MaxParallel)

	// Health config
	assert.True(t, cfg.Health.Enabled)
	assert.Equal(t, 15*time.Minute, cfg.Health.Frequency)
	assert.Equal(t, 10*time.Second, cfg.Health.MaxTime)

	// Gate is open to nobody and unlimited by default
	assert.Empty(t, cfg.Gate.AllowedKeys)
	assert.Zero(t, cfg.Gate.MaxConcurrent)

	// Logging config
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Development)

	// Rate limit config
	assert.Equal(t, 100, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 200, cfg.RateLimit.Burst)
	assert.True(t, cfg.RateLimit.Enabled)

	assert.True(t, cfg.Metrics.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMatchesDefault(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"RPC_ADDR":             "127.0.0.1:5000",
		"HTTP_ADDR":            "127.0.0.1:9000",
		"STORAGE_PATH":         "/var/lib/discovery",
		"STORAGE_MAX_PARALLEL": "16",
		"IDENTITY_SEED":        keyB,
		"HEALTH_FREQUENCY":     "1m",
		"HEALTH_MAX_TIME":      "5s",
		"RPC_ALLOWED_KEYS":     keyA + "," + keyB,
		"GATE_RPS":             "2.5",
		"GATE_MAX_CONCURRENT":  "8",
		"LOG_LEVEL":            "debug",
		"LOG_DEV":              "true",
		"LOG_OUTPUT":           "/var/log/discovery.log",
		"RATE_LIMIT_ENABLED":   "false",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:5000", cfg.Server.RPCAddr)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.HTTPAddr)
	assert.Equal(t, "/var/lib/discovery", cfg.Storage.Path)
	assert.Equal(t, 16, cfg.Storage.MaxParallel)
	assert.Equal(t, keyB, cfg.Identity.Seed)
	assert.Equal(t, time.Minute, cfg.Health.Frequency)
	assert.Equal(t, 5*time.Second, cfg.Health.MaxTime)
	assert.Equal(t, 2.5, cfg.Gate.RPS)
	assert.Equal(t, 8, cfg.Gate.MaxConcurrent)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
	assert.Equal(t, "/var/log/discovery.log", cfg.Logging.Output)
	assert.False(t, cfg.RateLimit.Enabled)

	keys, err := cfg.Gate.DecodeAllowedKeys()
	require.NoError(t, err)
	assert.Equal(t, []id.Key{id.MustDecode(keyA), id.MustDecode(keyB)}, keys)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "max time not below frequency",
			env:     map[string]string{"HEALTH_FREQUENCY": "10s", "HEALTH_MAX_TIME": "10s"},
			wantErr: "HEALTH_MAX_TIME",
		},
		{
			name: "disabled monitor skips the check",
			env:  map[string]string{"HEALTH_ENABLED": "false", "HEALTH_FREQUENCY": "1s", "HEALTH_MAX_TIME": "10s"},
		},
		{
			name:    "non-positive parallelism",
			env:     map[string]string{"STORAGE_MAX_PARALLEL": "0"},
			wantErr: "STORAGE_MAX_PARALLEL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, Default(), LoadOrDefault())
		})
	}
}

func TestDecodeAllowedKeysRejectsGarbage(t *testing.T) {
	g := GateConfig{AllowedKeys: []string{keyA, "nothex"}}
	_, err := g.DecodeAllowedKeys()
	assert.ErrorIs(t, err, id.ErrInvalidKey)
}

func TestParsePolicy(t *testing.T) {
	src := `
allow = ["` + strings.ToUpper(keyA) + `"]

method "put-service" {
  rate  = 5
  burst = 10
}

method "delete-service" {
  rate = 1
}

peer "` + keyB + `" {
  address = env.PEER_B
}
`
	p, err := ParsePolicy([]byte(src), "policy.hcl", map[string]string{"PEER_B": "10.0.0.2:4977"})
	require.NoError(t, err)

	assert.Equal(t, []id.Key{id.MustDecode(keyA)}, p.Allow)
	assert.Equal(t, map[string]MethodLimit{
		"put-service":    {Rate: 5, Burst: 10},
		"delete-service": {Rate: 1},
	}, p.Methods)
	assert.Equal(t, map[id.Key]string{id.MustDecode(keyB): "10.0.0.2:4977"}, p.Peers)
}

func TestParsePolicyErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"syntax", `allow = [`},
		{"bad allow key", `allow = ["xyz"]`},
		{"bad peer key", `peer "xyz" { address = "h:1" }`},
		{"missing env", `peer "` + keyB + `" { address = env.NOPE }`},
		{"duplicate method", `
method "put-service" { rate = 1 }
method "put-service" { rate = 2 }`},
		{"negative rate", `method "put-service" { rate = -1 }`},
		{"unknown attribute", `deny = []`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(tt.src), "policy.hcl", nil)
			assert.Error(t, err)
		})
	}
}

func TestLoadPolicyReadsEnvironment(t *testing.T) {
	t.Setenv("PEER_B", "peer-b:4977")
	path := filepath.Join(t.TempDir(), "policy.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`peer "`+keyB+`" { address = env.PEER_B }`), 0o600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, "peer-b:4977", p.Peers[id.MustDecode(keyB)])
	assert.Empty(t, p.Allow)

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.hcl"))
	assert.Error(t, err)
}
