package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func TestInjectIDs_FillsBlankAndMissing(t *testing.T) {
	out, n, err := injectIDs([]byte(sampleConfig), sequentialIDs())
	require.NoError(t, err)
	assert.Equal(t, 3, n, "instance id, blank strategy id, missing strategy id")

	var cfg Config
	require.NoError(t, yaml.Unmarshal(out, &cfg))
	assert.Equal(t, "id-1", cfg.Instances[0].ID)
	assert.Equal(t, "id-2", cfg.Instances[0].Strategies[0].ID)
	assert.Equal(t, "id-3", cfg.Instances[0].Strategies[1].ID)
	assert.Equal(t, "${TEST_LOG_LEVEL}", cfg.System.LogLevel, "env placeholders are not expanded")
}

func TestInjectIDs_KeepsExistingIDs(t *testing.T) {
	doc := `instances:
  - id: keep-me
    symbol: ETHUSDT
    strategies:
      - id: also-keep
        type: rsi
`
	_, n, err := injectIDs([]byte(doc), sequentialIDs())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestInjectIDs_RewritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o640))

	n, err := InjectIDs(path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Second run is a no-op
	n, err = InjectIDs(path)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	t.Setenv("TEST_LOG_LEVEL", "INFO")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Instances[0].ID)
	assert.NotEqual(t, cfg.Instances[0].Strategies[0].ID, cfg.Instances[0].Strategies[1].ID)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
}

func TestInjectIDs_RequiresInstances(t *testing.T) {
	_, _, err := injectIDs([]byte("principal: 10\n"), sequentialIDs())
	assert.Error(t, err)
}
