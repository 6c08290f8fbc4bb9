package integration

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eapicollectorpro/eapicollectorpro/internal/config"
	"github.com/eapicollectorpro/eapicollectorpro/internal/database"
	"github.com/eapicollectorpro/eapicollectorpro/internal/model"
	"github.com/eapicollectorpro/eapicollectorpro/internal/service"
)

// hangListener 只接受连接不回应答，用于模拟失联设备
func hangListener(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "监听临时端口不应失败")
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 1024)
				for {
					if _, err := c.Read(buf); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err, "解析监听地址不应失败")
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err, "解析监听端口不应失败")
	return host, port
}

// newIntegrationService 初始化临时库与采集服务
func newIntegrationService(t *testing.T, concurrent int) *service.CollectorService {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "integration.db")
	require.NoError(t, database.InitSQLite(config.SQLiteConfig{Path: dbPath}), "初始化测试库不应失败")
	t.Cleanup(func() { _ = database.Close() })

	cfg := &config.Config{}
	cfg.Collector.ID = "collector-integration"
	cfg.Collector.Concurrent = concurrent
	cfg.Eapi.Timeout = 30 * time.Second
	cfg.Eapi.Format = "json"

	svc := service.NewCollectorService(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, svc.Start(ctx), "采集服务应能启动")
	t.Cleanup(func() { _ = svc.Stop() })
	return svc
}

// TestCollectTimeoutInterruption 请求级超时应在窗口附近中断失联设备的采集
func TestCollectTimeoutInterruption(t *testing.T) {
	svc := newIntegrationService(t, 2)
	host, port := hangListener(t)

	useTLS := false
	timeout := 2
	retries := 0
	start := time.Now()
	resp, err := svc.ExecuteTask(context.Background(), &service.CollectRequest{
		TaskID:          "it-timeout-1",
		TaskName:        "超时中断测试",
		DeviceIP:        host,
		Port:            port,
		CollectProtocol: "eapi",
		UserName:        "admin",
		Password:        "admin",
		UseTLS:          &useTLS,
		CliList:         []string{"show version", "show hostname"},
		Timeout:         &timeout,
		RetryFlag:       &retries,
	})
	elapsed := time.Since(start)

	require.NoError(t, err, "传输层失败应折叠进响应而不是错误返回")
	require.NotNil(t, resp, "响应不应为空")
	assert.False(t, resp.Success, "失联设备的任务应标记失败")
	assert.NotEmpty(t, resp.Error, "响应应携带错误信息")
	assert.Empty(t, resp.Results, "传输层失败不应产生命令结果")

	assert.GreaterOrEqual(t, elapsed, 2*time.Second, "任务应至少等到超时窗口")
	assert.Less(t, elapsed, 6*time.Second, "任务应在超时窗口附近被中断")

	// 任务记录应落库且状态为失败
	var task model.Task
	require.NoError(t, database.GetDB().First(&task, "id = ?", "it-timeout-1").Error, "任务记录应已落库")
	assert.Equal(t, model.TaskStatusFailed, task.Status, "任务状态应为失败")
	assert.NotEmpty(t, task.ErrorMsg, "任务错误信息应已记录")
}

// TestTimeoutHonoredWithRetries 重试不应突破任务超时窗口
func TestTimeoutHonoredWithRetries(t *testing.T) {
	svc := newIntegrationService(t, 2)
	host, port := hangListener(t)

	useTLS := false
	timeout := 2
	retries := 2
	start := time.Now()
	resp, err := svc.ExecuteTask(context.Background(), &service.CollectRequest{
		TaskID:          "it-timeout-retry",
		DeviceIP:        host,
		Port:            port,
		CollectProtocol: "eapi",
		UserName:        "admin",
		Password:        "admin",
		UseTLS:          &useTLS,
		CliList:         []string{"show version"},
		Timeout:         &timeout,
		RetryFlag:       &retries,
	})
	elapsed := time.Since(start)

	require.NoError(t, err, "传输层失败应折叠进响应而不是错误返回")
	assert.False(t, resp.Success, "任务应标记失败")
	// 超时上下文已经结束，后续重试立即失败，只追加退避间隔
	assert.Less(t, elapsed, 6*time.Second, "重试不应成倍拉长任务时长")
}

// TestQueueWaitTimeout 无空闲工作槽时按有效超时返回排队失败
func TestQueueWaitTimeout(t *testing.T) {
	svc := newIntegrationService(t, 1)
	host, port := hangListener(t)

	useTLS := false
	done := make(chan struct{})
	go func() {
		defer close(done)
		to := 3
		rf := 0
		_, _ = svc.ExecuteTask(context.Background(), &service.CollectRequest{
			TaskID:          "it-queue-hold",
			DeviceIP:        host,
			Port:            port,
			CollectProtocol: "eapi",
			UserName:        "admin",
			Password:        "admin",
			UseTLS:          &useTLS,
			CliList:         []string{"show version"},
			Timeout:         &to,
			RetryFlag:       &rf,
		})
	}()

	// 等首个任务占住唯一工作槽
	time.Sleep(300 * time.Millisecond)

	to := 1
	rf := 0
	_, err := svc.ExecuteTask(context.Background(), &service.CollectRequest{
		TaskID:          "it-queue-reject",
		DeviceIP:        host,
		Port:            port,
		CollectProtocol: "eapi",
		UserName:        "admin",
		Password:        "admin",
		UseTLS:          &useTLS,
		CliList:         []string{"show version"},
		Timeout:         &to,
		RetryFlag:       &rf,
	})
	require.Error(t, err, "无空闲工作槽时应返回排队超时")
	assert.Contains(t, err.Error(), "task queue wait timeout", "错误信息应说明排队超时")

	<-done
}
