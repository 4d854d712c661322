package offlinecache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	classifier "github.com/always-cache/offline-cache/pkg/request-classifier"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfigFile = `
origin: https://example.test
version: v7
partitions:
  core: site-core
criticalAssets:
  - /
  - /app.js
offlinePage: /offline/
allowList:
  hosts: [cdn.example.net]
  match: substring
rules:
  - prefix: /assets/
    class: core-cache-first
  - path: /feed
    class: runtime-network-first
disableSkipWaiting: true
installConcurrency: 2
networkTimeout: 3s
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "offline-cache.yaml")
	require.NoError(t, os.WriteFile(filename, []byte(content), 0644))
	return filename
}

func TestLoadConfig(t *testing.T) {
	fileConfig, err := LoadConfig(writeConfig(t, testConfigFile))
	require.NoError(t, err)

	var config Config
	require.NoError(t, fileConfig.Apply(&config))
	config = config.withDefaults()

	assert.Equal(t, "https://example.test", config.OriginURL.String())
	assert.Equal(t, "v7", config.Version)
	assert.Equal(t, PartitionNames{Core: "site-core", Runtime: "offline-runtime", Images: "offline-images"}, config.Partitions)
	assert.Equal(t, []string{"/", "/app.js", "/offline/"}, config.CriticalAssets)
	assert.Equal(t, "/offline/", config.OfflinePage)
	assert.Equal(t, classifier.AllowList{Hosts: []string{"cdn.example.net"}, Mode: classifier.MatchSubstring}, config.AllowList)
	assert.Equal(t, classifier.Rules{
		{Prefix: "/assets/", Class: classifier.CoreCacheFirst},
		{Path: "/feed", Class: classifier.RuntimeNetworkFirst},
	}, config.Rules)
	assert.True(t, config.DisableSkipWaiting)
	assert.Equal(t, 2, config.InstallConcurrency)
	assert.Equal(t, 3*time.Second, config.NetworkTimeout)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestConfigApplyValidation(t *testing.T) {
	for name, content := range map[string]string{
		"match mode":    "allowList:\n  match: fuzzy\n",
		"rule class":    "rules:\n  - prefix: /x\n    class: cache-always\n",
		"rule pattern":  "rules:\n  - class: core-cache-first\n",
		"origin syntax": "origin: \"http://[::1\"\n",
	} {
		t.Run(name, func(t *testing.T) {
			fileConfig, err := LoadConfig(writeConfig(t, content))
			require.NoError(t, err)
			assert.Error(t, fileConfig.Apply(&Config{}))
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	config := Config{CriticalAssets: []string{"/", DefaultOfflinePage}}.withDefaults()

	assert.Equal(t, DefaultVersion, config.Version)
	assert.Equal(t, DefaultPartitions, config.Partitions)
	assert.Equal(t, []string{"/", DefaultOfflinePage}, config.CriticalAssets)
	assert.Equal(t, classifier.DefaultHosts, config.AllowList.Hosts)
	assert.Equal(t, classifier.MatchExact, config.AllowList.Mode)
	assert.Equal(t, DefaultInstallConcurrency, config.InstallConcurrency)
	assert.Zero(t, config.NetworkTimeout)
}

func TestPartitionNamesAreVersioned(t *testing.T) {
	ps := NewPartitionSet(nil, DefaultPartitions, "v2")

	assert.Equal(t, []string{"offline-core-v2", "offline-runtime-v2", "offline-images-v2"}, ps.Names())
	assert.True(t, ps.IsCurrent("offline-images-v2"))
	assert.False(t, ps.IsCurrent("offline-images-v1"))
}
