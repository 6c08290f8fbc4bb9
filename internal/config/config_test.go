package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  host: "0.0.0.0"
  port: 8080
  mode: "release"

collector:
  id: "collector-001"
  type: "eapi"
  version: "1.0.0"
  tags: ["lab", "arista"]
  concurrency_profile: "M"
  device_defaults:
    arista_eos:
      commands:
        - "show version"
        - "show interfaces"
      format: "json"
      text_commands:
        - "show tech-support"

eapi:
  timeout: 45s
  insecure_skip_verify: true

database:
  sqlite:
    path: "./data/test.db"

deploy:
  session_prefix: "lab"

log:
  level: "debug"
`

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.GetServerAddr())
	assert.Equal(t, "collector-001", cfg.Collector.ID)
	assert.Equal(t, "eapi", cfg.Collector.Type)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 45*time.Second, cfg.Eapi.Timeout)
	assert.True(t, cfg.Eapi.InsecureSkipVerify)
	assert.Equal(t, "json", cfg.Eapi.Format, "未显式配置时输出编码应回落 json")
	assert.True(t, cfg.Eapi.UseTLS, "默认应启用 TLS")
	assert.Equal(t, "lab", cfg.Deploy.SessionPrefix)
	assert.Equal(t, 2000, cfg.Deploy.DeployWaitMS, "未配置时应使用默认等待窗口")
	assert.Same(t, cfg, Get(), "Load 后全局配置应指向同一实例")
}

func TestConcurrencyProfileApplied(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, sampleYAML))
	require.NoError(t, err)

	// 档位 M 对应 concurrent=16 threads=64
	assert.Equal(t, 16, cfg.Collector.Concurrent)
	assert.Equal(t, 64, cfg.Collector.Threads)
}

func TestConcurrencyProfilePrefixForm(t *testing.T) {
	cfg := &Config{
		Collector: CollectorConfig{
			ConcurrencyProfile: "concurrency-xl",
			ConcurrencyProfiles: map[string]ConcurrencyProfileConfig{
				"XL": {Concurrent: 64, Threads: 256},
			},
		},
	}
	applyConcurrencyProfile(cfg)
	assert.Equal(t, 64, cfg.Collector.Concurrent, "带前缀的档位名应被识别")
	assert.Equal(t, 256, cfg.Collector.Threads)
}

func TestPlatformDefaults(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, sampleYAML))
	require.NoError(t, err)

	pd, ok := cfg.PlatformDefaults("Arista_EOS")
	require.True(t, ok, "平台名应忽略大小写命中")
	assert.Equal(t, []string{"show version", "show interfaces"}, pd.Commands)
	assert.Equal(t, []string{"show tech-support"}, pd.TextCommands)

	_, ok = cfg.PlatformDefaults("cisco_ios")
	assert.False(t, ok, "未配置且无 default 项时应返回未命中")
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("EAPI_COLLECTOR_SERVER_PORT", "9090")

	cfg, err := Load(writeConfigFile(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port, "环境变量应覆盖配置文件取值")
}

func TestCollectorIDFromEnv(t *testing.T) {
	t.Setenv("NODE_NAME", "edge-7")

	yaml := sampleYAML + "\n"
	cfg, err := Load(writeConfigFile(t, yaml))
	require.NoError(t, err)
	cfg.Collector.ID = "${NODE_NAME}"
	got := replaceEnvVars(*cfg)
	assert.Equal(t, "edge-7", got.Collector.ID, "ID 占位符应替换为环境变量值")
}
