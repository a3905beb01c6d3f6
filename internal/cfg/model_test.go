package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	config, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, ".", config.WorkDir)
	assert.Equal(t, ".", config.ImageDir)
	assert.Equal(t, "tcp", config.PageServerNet)
	assert.False(t, config.UsePageServer)
}

func TestParseFromEnv(t *testing.T) {
	t.Setenv("LAZY_PAGES_WORK_DIR", "/run/lazy")
	t.Setenv("LAZY_PAGES_NR_TASKS", "3")
	t.Setenv("LAZY_PAGES_USE_PAGE_SERVER", "true")
	t.Setenv("LAZY_PAGES_PAGE_SERVER_ADDR", "127.0.0.1:27")

	config, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, "/run/lazy", config.WorkDir)
	assert.Equal(t, 3, config.NrTasks)
	assert.True(t, config.UsePageServer)
	assert.Equal(t, "127.0.0.1:27", config.PageServerAddr)
}
