package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shopsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := NewLoader("").Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultDataDir(), cfg.DataDir)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 30*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, time.Hour, cfg.Sync.FullPullInterval)
	assert.Equal(t, 10*time.Minute, cfg.Cache.ProductTTL)
	assert.Equal(t, "127.0.0.1:8787", cfg.Server.Addr)
	assert.False(t, cfg.Sync.QueueFirst)
}

func TestLoad_fileEnvAndFlagPrecedence(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/shopsync
log:
  level: debug
remote:
  base_url: https://shop.example.com/api
  timeout: 5s
sync:
  interval: 1m
  queue_first: true
`)
	t.Setenv("SHOPSYNC_SYNC_INTERVAL", "2m")
	t.Setenv("SHOPSYNC_REMOTE_API_KEY", "from-env")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("data-dir", "", "")
	require.NoError(t, flags.Parse([]string{"--data-dir", "/tmp/flag"}))

	loader := NewLoader(path)
	require.NoError(t, loader.BindFlag("data_dir", flags.Lookup("data-dir")))
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, path, loader.ConfigFileUsed())
	assert.Equal(t, "/tmp/flag", cfg.DataDir, "flag beats file")
	assert.Equal(t, 2*time.Minute, cfg.Sync.Interval, "env beats file")
	assert.Equal(t, "from-env", cfg.Remote.APIKey)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "https://shop.example.com/api", cfg.Remote.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Remote.Timeout)
	assert.True(t, cfg.Sync.QueueFirst)
}

func TestLoad_unsetFlagKeepsFileValue(t *testing.T) {
	path := writeConfig(t, "data_dir: /from/file\n")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("data-dir", "", "")
	require.NoError(t, flags.Parse(nil))

	loader := NewLoader(path)
	require.NoError(t, loader.BindFlag("data_dir", flags.Lookup("data-dir")))
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "/from/file", cfg.DataDir)
}

func TestLoad_errors(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	assert.Error(t, err, "an explicit file must exist")

	_, err = NewLoader(writeConfig(t, "log:\n  level: loud\n")).Load()
	assert.ErrorContains(t, err, "log.level")

	_, err = NewLoader(writeConfig(t, "sync:\n  interval: 0s\n")).Load()
	assert.ErrorContains(t, err, "sync.interval")

	assert.Error(t, NewLoader("").BindFlag("data_dir", nil))
}

func TestConfig_YAMLRedactsSecrets(t *testing.T) {
	cfg := &Config{
		DataDir: "/data",
		Log:     LogConfig{Level: "info"},
		Remote:  RemoteConfig{BaseURL: "https://x", APIKey: "secret", Timeout: 30 * time.Second},
		Sync:    SyncConfig{Interval: 5 * time.Minute},
	}

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "secret")
	assert.Equal(t, "secret", cfg.Remote.APIKey, "the original is untouched")

	var back map[string]interface{}
	require.NoError(t, yaml.Unmarshal(out, &back))
	remote := back["remote"].(map[string]interface{})
	assert.Equal(t, "30s", remote["timeout"])
}

func TestWatch_reloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "sync:\n  interval: 1m\n")
	loader := NewLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)

	changes := make(chan *Config, 4)
	loader.Watch(func(cfg *Config) { changes <- cfg })

	require.NoError(t, os.WriteFile(path, []byte("sync:\n  interval: 3m\n"), 0644))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changes:
			if cfg.Sync.Interval == 3*time.Minute {
				return
			}
		case <-deadline:
			t.Fatal("config change was not observed")
		}
	}
}
