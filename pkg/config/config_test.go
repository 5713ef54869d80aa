package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, CustodyClient, c.Security.Custody.Mode)
	assert.Equal(t, 100, c.PreKeys.MaxBatch)
	assert.Equal(t, 7*24*time.Hour, c.PreKeys.SignedGracePeriod.Duration())
	assert.Equal(t, "0 3 * * *", c.Retention.Cron)
	assert.Equal(t, int64(1<<20), c.Server.MaxRequestSize.Int64())
	assert.Equal(t, "0.0.0.0:8080", c.Addr())
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
server:
  address: 127.0.0.1
  port: 9090
  max_request_size: 2MB
prekeys:
  max_batch: 50
  signed_grace_period: 48h
retention:
  enabled: true
  used_prekey_ttl: 3600
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	c, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.NoError(t, c.ValidateConfig())

	assert.Equal(t, "127.0.0.1:9090", c.Addr())
	assert.Equal(t, int64(2_000_000), c.Server.MaxRequestSize.Int64())
	assert.Equal(t, 50, c.PreKeys.MaxBatch)
	assert.Equal(t, 48*time.Hour, c.PreKeys.SignedGracePeriod.Duration())
	assert.Equal(t, time.Hour, c.Retention.UsedPreKeyTTL.Duration())
	assert.True(t, c.Retention.Enabled)
}

func TestValidateConfigRejects(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"bad cron", func(c *Config) { c.Retention.Cron = "every tuesday" }, "invalid retention cron"},
		{"bad custody", func(c *Config) { c.Security.Custody.Mode = "hsm" }, "invalid custody mode"},
		{"server custody without key", func(c *Config) { c.Security.Custody.Mode = "server" }, "master_key"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Config{}
			tc.mut(c)
			err := c.ValidateConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestMasterKey(t *testing.T) {
	hexKey := strings.Repeat("ab", 32)
	c := CustodyConfig{MasterKeyHex: hexKey}
	k, err := c.MasterKey()
	require.NoError(t, err)
	assert.Len(t, k, 32)

	path := filepath.Join(t.TempDir(), "master.key")
	require.NoError(t, os.WriteFile(path, []byte(hexKey+"\n"), 0o600))
	c = CustodyConfig{MasterKeyFile: path}
	k2, err := c.MasterKey()
	require.NoError(t, err)
	assert.Equal(t, k, k2)

	_, err = (&CustodyConfig{MasterKeyHex: "abcd"}).MasterKey()
	assert.Error(t, err)
}

func TestParseConfigEnvs(t *testing.T) {
	t.Setenv("KEYRELAY_ADDR", "127.0.0.1:7000")
	t.Setenv("KEYRELAY_API_CLIENT_KEYS", "a, b,,c")
	t.Setenv("KEYRELAY_RETENTION_ENABLED", "yes")
	t.Setenv("KEYRELAY_SIGNED_GRACE_PERIOD", "2h")

	c, used := ParseConfigEnvs()
	require.True(t, used)
	assert.Equal(t, "127.0.0.1", c.Server.Address)
	assert.Equal(t, 7000, c.Server.Port)
	assert.Equal(t, []string{"a", "b", "c"}, c.Security.APIKeys.Client)
	assert.True(t, c.Retention.Enabled)
	assert.Equal(t, 2*time.Hour, c.PreKeys.SignedGracePeriod.Duration())
}

func TestLoadEffectiveConfigSources(t *testing.T) {
	fs := flag.NewFlagSet("keyrelay", flag.ContinueOnError)
	flags, err := ParseConfigFlags(fs, []string{"--db", "/tmp/kr"})
	require.NoError(t, err)

	file := &Config{}
	file.Server.Port = 9000
	res, err := LoadEffectiveConfig(flags, file, true, &Config{})
	require.NoError(t, err)
	assert.Equal(t, "flags", res.Source)
	assert.Equal(t, "/tmp/kr", res.DBPath)
	assert.Equal(t, "0.0.0.0:9000", res.Addr)

	res, err = LoadEffectiveConfig(Flags{Set: map[string]bool{}}, &Config{}, false, &Config{})
	require.NoError(t, err)
	assert.Equal(t, "env", res.Source)

	_, err = LoadEffectiveConfig(Flags{Config: "missing.yaml", Set: map[string]bool{"config": true}}, &Config{}, false, &Config{})
	assert.Error(t, err)
}
