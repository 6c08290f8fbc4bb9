package integration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eapicollectorpro/eapicollectorpro/internal/config"
)

// TestPlatformTimeoutLookup 平台级超时配置的查找优先级
func TestPlatformTimeoutLookup(t *testing.T) {
	cfg := &config.Config{}
	cfg.Collector.DeviceDefaults = map[string]config.PlatformDefaultsConfig{
		"arista_eos": {TimeoutSec: 45, Retries: 3},
		"default":    {TimeoutSec: 20, Retries: 1},
	}

	pd, ok := cfg.PlatformDefaults("arista_eos")
	require.True(t, ok, "已配置平台应命中")
	assert.Equal(t, 45, pd.TimeoutSec, "平台级超时应优先于 default 项")
	assert.Equal(t, 3, pd.Retries, "平台级重试应优先于 default 项")

	// 平台名大小写与空白不敏感
	pd, ok = cfg.PlatformDefaults("  Arista_EOS  ")
	require.True(t, ok, "平台名应忽略大小写与首尾空白")
	assert.Equal(t, 45, pd.TimeoutSec)

	pd, ok = cfg.PlatformDefaults("unknown_vendor")
	require.True(t, ok, "未知平台应回落 default 项")
	assert.Equal(t, 20, pd.TimeoutSec, "回落后取 default 项的超时")
}

// TestPlatformTimeoutLookupMiss 无任何配置时返回未命中
func TestPlatformTimeoutLookupMiss(t *testing.T) {
	cfg := &config.Config{}

	pd, ok := cfg.PlatformDefaults("arista_eos")
	assert.False(t, ok, "无 device_defaults 配置时应返回未命中")
	assert.Zero(t, pd.TimeoutSec, "未命中时应返回零值配置")

	cfg.Collector.DeviceDefaults = map[string]config.PlatformDefaultsConfig{
		"cisco_nxos": {TimeoutSec: 15},
	}
	_, ok = cfg.PlatformDefaults("arista_eos")
	assert.False(t, ok, "既无平台项也无 default 项时应返回未命中")
}
