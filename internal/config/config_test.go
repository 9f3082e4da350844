package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServer_Defaults(t *testing.T) {
	l, err := NewLoader("")
	require.NoError(t, err)

	cfg := l.LoadServer()
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 64*1024, cfg.MaxMessageSize)
	assert.Equal(t, 100, cfg.MaxActiveTasks)
	assert.Equal(t, 10*time.Second, cfg.WSAuthTimeout)
	assert.True(t, cfg.KVFailOpenDefault)
}

func TestLoadServer_EnvOverridesDefault(t *testing.T) {
	t.Setenv("AGENTIM_HTTP_ADDR", ":9999")
	t.Setenv("MAX_ACTIVE_TASKS", "5")

	l, err := NewLoader("")
	require.NoError(t, err)

	cfg := l.LoadServer()
	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, 5, cfg.MaxActiveTasks)
}

func TestLoadGateway_Defaults(t *testing.T) {
	l, err := NewLoader("")
	require.NoError(t, err)

	cfg := l.LoadGateway()
	assert.Equal(t, 50, cfg.MaxReconnect)
	assert.Equal(t, 300*time.Second, cfg.ProbeInterval)
}

func TestNewLoader_MissingConfigFileIsNotAnError(t *testing.T) {
	_, err := NewLoader("/nonexistent/path/config.yaml")
	require.NoError(t, err)
}

func TestMain(m *testing.M) {
	// The defaults tests assume none of the loader's env vars (AGENTIM_* and
	// the unprefixed server keys) are set; TestMain does not clear them.
	os.Exit(m.Run())
}
