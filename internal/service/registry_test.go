package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eapicollectorpro/eapicollectorpro/internal/config"
	"github.com/eapicollectorpro/eapicollectorpro/internal/database"
	"github.com/eapicollectorpro/eapicollectorpro/internal/model"
)

func TestCollectorIdentity(t *testing.T) {
	cfg := adapterConfig(nil)
	cfg.Collector.ID = "collector-custom"
	assert.Equal(t, "collector-custom", collectorIdentity(cfg), "配置的采集器标识应优先")

	cfg.Collector.ID = "  "
	id := collectorIdentity(cfg)
	assert.True(t, strings.HasPrefix(id, "collector-"), "生成的标识应带统一前缀")
	assert.Greater(t, len(id), len("collector-"), "生成的标识应有指纹后缀")

	// 机器指纹可用时标识应当稳定；不可用时退化为随机标识，不做稳定性断言
	if _, err := machineid.ProtectedID("eapicollectorpro"); err == nil {
		assert.Equal(t, id, collectorIdentity(cfg), "机器指纹标识应可重复生成")
	}
}

func TestSupportedPlatforms(t *testing.T) {
	platforms := supportedPlatforms()
	assert.Contains(t, platforms, "arista_eos", "应上报已注册平台")
	assert.NotContains(t, platforms, "default", "兜底插件不应上报")
}

func TestRegistryStandalone(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "registry_standalone.db")
	require.NoError(t, database.InitSQLite(config.SQLiteConfig{Path: dbPath}), "初始化测试库不应失败")
	defer func() { _ = database.Close() }()

	cfg := adapterConfig(nil)
	cfg.Collector.ID = "collector-sa"
	cfg.Collector.Type = "eapi"
	cfg.Collector.Version = "1.0.0"
	cfg.Controller.Host = ""

	svc := NewRegistryService(cfg)
	require.NoError(t, svc.Start(context.Background()), "独立模式启动不应失败")
	defer func() { _ = svc.Stop() }()

	assert.True(t, svc.IsOnline(), "独立模式应视为可用")

	var rec model.Collector
	require.NoError(t, database.GetDB().First(&rec, "id = ?", "collector-sa").Error, "采集器记录应已落库")
	assert.Equal(t, "standalone", rec.Status, "独立模式状态应为 standalone")
	assert.Contains(t, rec.Platforms, "arista_eos", "记录应包含支持的平台")

	var status model.CollectorStatus
	require.NoError(t, database.GetDB().First(&status, "id = ?", "collector-sa").Error, "状态记录应已落库")
}

func TestRegistryRegisterAndHeartbeat(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "registry_online.db")
	require.NoError(t, database.InitSQLite(config.SQLiteConfig{Path: dbPath}), "初始化测试库不应失败")
	defer func() { _ = database.Close() }()

	var registerHits, heartbeatHits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/collectors/register", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&registerHits, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"message":"ok","data":{"collector_id":"collector-hb"}}`))
	})
	mux.HandleFunc("/api/v1/collectors/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/heartbeat") {
			atomic.AddInt32(&heartbeatHits, 1)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"message":"ok","data":{}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err, "解析控制器地址不应失败")
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err, "解析控制器端口不应失败")

	cfg := adapterConfig(nil)
	cfg.Collector.ID = "collector-hb"
	cfg.Collector.Type = "eapi"
	cfg.Collector.Version = "1.0.0"
	cfg.Controller.Host = u.Hostname()
	cfg.Controller.Port = port
	cfg.Controller.RegisterInterval = 50 * time.Millisecond
	cfg.Controller.HeartbeatInterval = 50 * time.Millisecond

	svc := NewRegistryService(cfg)
	require.NoError(t, svc.Start(context.Background()), "注册服务启动不应失败")
	defer func() { _ = svc.Stop() }()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&registerHits) >= 1 && svc.IsOnline()
	}, 3*time.Second, 20*time.Millisecond, "应完成注册并转为在线")

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&heartbeatHits) >= 1
	}, 3*time.Second, 20*time.Millisecond, "在线后应发送心跳")

	var rec model.Collector
	require.NoError(t, database.GetDB().First(&rec, "id = ?", "collector-hb").Error, "采集器记录应已落库")
	assert.Equal(t, "online", rec.Status, "注册成功后状态应为 online")
}
