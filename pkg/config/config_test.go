package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.MessageCheckInterval)
	assert.Equal(t, 30*time.Second, cfg.JoinTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.Frontend.Command)
	assert.False(t, cfg.IgnoreMachineDefaults)
}

func TestLoad_FileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tankapi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
message_check_interval: 250ms
tests_dir: /srv/tests
lock_dir: /srv/lock
frontend:
  command: ["tank-web", "--port", "8888"]
logging:
  level: debug
`), 0o644))

	t.Setenv("TANKAPI_LOCK_DIR", "/env/lock")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("tests-dir", "", "")
	flags.Bool("ignore-machine-defaults", false, "")
	require.NoError(t, flags.Parse([]string{"--tests-dir=/flag/tests", "--ignore-machine-defaults"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.MessageCheckInterval)
	assert.Equal(t, "/flag/tests", cfg.TestsDir)
	assert.Equal(t, "/env/lock", cfg.LockDir)
	assert.True(t, cfg.IgnoreMachineDefaults)
	assert.Equal(t, []string{"tank-web", "--port", "8888"}, cfg.Frontend.Command)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			MessageCheckInterval: time.Second,
			JoinTimeout:          time.Second,
			TestsDir:             "/tmp/tests",
			LockDir:              "/tmp/lock",
		}
	}
	require.NoError(t, valid().Validate())

	c := valid()
	c.MessageCheckInterval = 0
	assert.Error(t, c.Validate())

	c = valid()
	c.TestsDir = " "
	assert.Error(t, c.Validate())

	c = valid()
	c.DrainTimeout = -time.Second
	assert.Error(t, c.Validate())

	c = valid()
	c.Logging.Format = "xml"
	assert.Error(t, c.Validate())
}

func TestYAML(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	data, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(data), "message_check_interval: 1s")
	assert.Contains(t, string(data), "tests_dir: /var/lib/tankapi/tests")
}
