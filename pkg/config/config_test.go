package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	Fetcher struct {
		Workers int `mapstructure:"workers"`
	} `mapstructure:"fetcher"`
	Profile string `mapstructure:"profile"`
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harvester.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_LocalWithDefaultsAndEnv(t *testing.T) {
	t.Setenv("CONFIG_MODE", "")
	t.Setenv("HARVESTER_FETCHER_WORKERS", "7")
	path := writeConfig(t, "server:\n  addr: \":9000\"\nprofile: plone\n")

	m, err := Load(Options{
		ConfigPath:  path,
		ServiceName: "harvester",
		Defaults:    map[string]interface{}{"fetcher.workers": 10, "profile": "default"},
	})
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, ModeLocal, m.GetMode())

	var c testConfig
	require.NoError(t, m.Unmarshal(&c))
	assert.Equal(t, ":9000", c.Server.Addr)
	assert.Equal(t, 7, c.Fetcher.Workers)
	assert.Equal(t, "plone", c.Profile)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	t.Setenv("CONFIG_MODE", "local")
	m, err := Load(Options{
		ServiceName: "pkg-harvest",
		Defaults:    map[string]interface{}{"profile": "plone"},
	})
	require.NoError(t, err)

	var c testConfig
	require.NoError(t, m.Unmarshal(&c))
	assert.Equal(t, "plone", c.Profile)
}

func TestLoad_RequiredKeys(t *testing.T) {
	t.Setenv("CONFIG_MODE", "local")
	path := writeConfig(t, "profile: plone\n")

	_, err := Load(Options{ConfigPath: path, ServiceName: "harvester", RequiredKeys: []string{"profile", "typesense.api_key"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "typesense.api_key")
}

func TestLoad_Errors(t *testing.T) {
	t.Setenv("CONFIG_MODE", "etcd")
	_, err := Load(Options{ServiceName: "harvester"})
	assert.Error(t, err)

	t.Setenv("CONFIG_MODE", "local")
	_, err = Load(Options{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml"), ServiceName: "harvester"})
	assert.Error(t, err)
}

func TestManager_Reload(t *testing.T) {
	m := NewManager()
	var calls int
	m.OnChange(func(*Manager) { calls++ })

	require.NoError(t, m.reload("profile: volto\n"))
	assert.Equal(t, 1, calls)

	var c testConfig
	require.NoError(t, m.Unmarshal(&c))
	assert.Equal(t, "volto", c.Profile)

	assert.Error(t, m.reload("profile: [unclosed"))
	assert.Equal(t, 1, calls)
}

func TestNacosConfig_ApplyEnv(t *testing.T) {
	t.Setenv("NACOS_SERVER_ADDR", "nacos.internal")
	t.Setenv("NACOS_NAMESPACE", "")
	t.Setenv("NACOS_GROUP", "")
	t.Setenv("NACOS_DATA_ID", "")
	t.Setenv("NACOS_USERNAME", "")
	t.Setenv("NACOS_PASSWORD", "")

	c := &NacosConfig{}
	c.applyEnv("harvester")
	assert.Equal(t, "nacos.internal", c.ServerAddr)
	assert.Equal(t, uint64(8848), c.ServerPort)
	assert.Equal(t, "DEFAULT_GROUP", c.Group)
	assert.Equal(t, "harvester.yaml", c.DataID)
	assert.Equal(t, uint64(5000), c.TimeoutMs)
}
