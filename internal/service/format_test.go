package service

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eapicollectorpro/eapicollectorpro/addone/collect"
	_ "github.com/eapicollectorpro/eapicollectorpro/addone/collect/platforms/arista_eos"
	"github.com/eapicollectorpro/eapicollectorpro/internal/config"
	"github.com/eapicollectorpro/eapicollectorpro/internal/database"
	"github.com/eapicollectorpro/eapicollectorpro/internal/model"
)

const fmtShowVersionJSON = `{"modelName":"cEOSLab","serialNumber":"ABC123","version":"4.30.1F","systemMacAddress":"00:1c:73:aa:bb:cc"}`

func formatDeviceFor(t *testing.T, execReq *ExecRequest, cmds []string) FormatDevice {
	t.Helper()
	return FormatDevice{
		DeviceIP:       execReq.DeviceIP,
		DevicePort:     execReq.Port,
		DeviceName:     "SW-FMT-01",
		DevicePlatform: "arista_eos",
		UserName:       "admin",
		Password:       "admin",
		UseTLS:         execReq.UseTLS,
		CliList:        cmds,
	}
}

func newFormatService(t *testing.T, cfg *config.Config) *FormatService {
	t.Helper()
	svc := NewFormatService(cfg)
	require.NoError(t, svc.Start(context.Background()), "格式化服务应能启动")
	t.Cleanup(func() { _ = svc.Stop() })
	return svc
}

func TestFormatBatchEndToEnd(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "format_e2e.db")
	require.NoError(t, database.InitSQLite(config.SQLiteConfig{Path: dbPath}), "初始化测试库不应失败")
	defer func() { _ = database.Close() }()

	srv, _ := fakeEapi(t, func(call int, probe rpcProbe) string {
		return okEnvelope(probe.ID, fmtShowVersionJSON, `{"fqdn":"sw-fmt-01.lab","hostname":"sw-fmt-01"}`)
	})

	cfg := adapterConfig(nil)
	cfg.Collector.Concurrent = 2
	svc := newFormatService(t, cfg)

	execReq := execRequestFor(t, srv)
	retries := 0
	resp, err := svc.ExecuteBatch(context.Background(), &FormatBatchRequest{
		TaskID:    "fmt-task-1",
		SaveDir:   "lab",
		RetryFlag: &retries,
		Devices:   []FormatDevice{formatDeviceFor(t, execReq, []string{"show version", "show hostname"})},
	})
	require.NoError(t, err, "批量格式化不应报错")

	assert.Equal(t, "SUCCESS", resp.Code, "响应码应为 SUCCESS")
	assert.Regexp(t, `^\d{8}_\d{6}$`, resp.DateTime, "时间戳格式应为 YYYYMMDD_HHMMSS")
	assert.Equal(t, "/data-formats/lab/fmt-task-1/formatted/", resp.JSONPrefix, "JSON 前缀应符合对象布局")

	assert.Empty(t, resp.LoginFailures, "不应有登录失败")
	assert.Empty(t, resp.CollectFailures, "不应有采集失败")
	assert.Empty(t, resp.FormatFailures, "不应有解析失败")
	assert.Empty(t, resp.ParserNotFound, "命令均有插件覆盖")

	assert.Equal(t, 1, resp.Stats.TotalDevices, "设备总数应为 1")
	assert.Equal(t, 1, resp.Stats.FullySuccess, "设备应完全成功")
	assert.Equal(t, 0, resp.Stats.ParseFailed, "不应有解析失败设备")
	assert.Equal(t, 2, resp.RowsSaved, "两条命令各应落一行")

	var recs []model.FormattedRecord
	require.NoError(t, database.GetDB().Find(&recs).Error, "查询格式化记录不应失败")
	require.Len(t, recs, 2, "应落库两行")
	byTable := map[string]model.FormattedRecord{}
	for _, r := range recs {
		byTable[r.TargetTable] = r
	}
	ver, ok := byTable["version_info"]
	require.True(t, ok, "show version 应写入 version_info 表")
	assert.Equal(t, "fmt-task-1", ver.TaskID, "行应携带任务ID")
	assert.Equal(t, "arista_eos", ver.Platform, "行应携带平台")
	assert.Equal(t, "show version", ver.Command, "行应携带来源命令")
	assert.Contains(t, ver.Data, "cEOSLab", "数据 JSON 应包含解析字段")
}

func TestFormatBatchParserNotFound(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "format_nf.db")
	require.NoError(t, database.InitSQLite(config.SQLiteConfig{Path: dbPath}), "初始化测试库不应失败")
	defer func() { _ = database.Close() }()

	srv, _ := fakeEapi(t, func(call int, probe rpcProbe) string {
		return okEnvelope(probe.ID, `{"clockSource":"local","localTime":{}}`)
	})

	cfg := adapterConfig(nil)
	cfg.Collector.Concurrent = 1
	svc := newFormatService(t, cfg)

	execReq := execRequestFor(t, srv)
	retries := 0
	resp, err := svc.ExecuteBatch(context.Background(), &FormatBatchRequest{
		TaskID:    "fmt-task-2",
		RetryFlag: &retries,
		Devices:   []FormatDevice{formatDeviceFor(t, execReq, []string{"show clock"})},
	})
	require.NoError(t, err, "批量格式化不应报错")

	require.Len(t, resp.ParserNotFound, 1, "未覆盖命令应被记录")
	assert.Equal(t, []string{"show clock"}, resp.ParserNotFound[0].NotFoundCommands, "未覆盖命令应列出")
	assert.Equal(t, "1/1", resp.ParserNotFound[0].NotFoundRatio, "未覆盖比例应为 1/1")
	assert.Equal(t, 1, resp.Stats.ParseFailed, "未覆盖设备计入解析失败")
	assert.Equal(t, 0, resp.Stats.FullySuccess, "设备不应计为完全成功")
	assert.Equal(t, 0, resp.RowsSaved, "不应落库任何行")
}

func TestFormatBatchCollectFailure(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "format_cf.db")
	require.NoError(t, database.InitSQLite(config.SQLiteConfig{Path: dbPath}), "初始化测试库不应失败")
	defer func() { _ = database.Close() }()

	srv, _ := fakeEapi(t, func(call int, probe rpcProbe) string {
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"error":{"code":1002,"message":"CLI command 2 of 3 'show bogus' failed: invalid command","data":[%s,{"errors":["Invalid input (at token 1: 'bogus')"]}]}}`,
			probe.ID, fmtShowVersionJSON)
	})

	cfg := adapterConfig(nil)
	cfg.Collector.Concurrent = 1
	svc := newFormatService(t, cfg)

	execReq := execRequestFor(t, srv)
	retries := 0
	resp, err := svc.ExecuteBatch(context.Background(), &FormatBatchRequest{
		TaskID:    "fmt-task-3",
		RetryFlag: &retries,
		Devices:   []FormatDevice{formatDeviceFor(t, execReq, []string{"show version", "show bogus", "show hostname"})},
	})
	require.NoError(t, err, "设备中止批次不应使调用本身报错")

	assert.Empty(t, resp.LoginFailures, "命令失败不应算登录失败")
	require.Len(t, resp.CollectFailures, 1, "采集失败应被记录")
	assert.Equal(t, []string{"show bogus", "show hostname"}, resp.CollectFailures[0].FailedCommands,
		"失败命令与被跳过命令都应列出")
	assert.Equal(t, 1, resp.Stats.CollectFailed, "采集失败设备数应为 1")

	// 失败点之前的命令仍应完成解析与落库
	assert.Equal(t, 1, resp.RowsSaved, "失败前的命令应正常落库")
	var recs []model.FormattedRecord
	require.NoError(t, database.GetDB().Find(&recs).Error, "查询格式化记录不应失败")
	require.Len(t, recs, 1, "只应落库失败前的行")
	assert.Equal(t, "version_info", recs[0].TargetTable, "落库行应来自 show version")
}

func TestFormatBatchLoginFailure(t *testing.T) {
	srv, _ := fakeEapi(t, func(call int, probe rpcProbe) string { return okEnvelope(probe.ID) })
	execReq := execRequestFor(t, srv)
	srv.Close() // 拒绝连接模拟登录不可达

	cfg := adapterConfig(nil)
	cfg.Collector.Concurrent = 1
	svc := newFormatService(t, cfg)

	retries := 0
	timeout := 2
	resp, err := svc.ExecuteBatch(context.Background(), &FormatBatchRequest{
		TaskID:    "fmt-task-4",
		RetryFlag: &retries,
		Timeout:   &timeout,
		Devices:   []FormatDevice{formatDeviceFor(t, execReq, []string{"show version"})},
	})
	require.NoError(t, err, "登录失败应体现在响应中而非调用错误")

	require.Len(t, resp.LoginFailures, 1, "登录失败应被记录")
	assert.Equal(t, "SW-FMT-01", resp.LoginFailures[0].DeviceName, "登录失败应带设备名")
	assert.NotEmpty(t, resp.LoginFailures[0].Error, "登录失败应带错误详情")
	assert.Equal(t, 1, resp.Stats.LoginFailed, "登录失败设备数应为 1")
	assert.Equal(t, 0, resp.Stats.FullySuccess, "登录失败设备不应计为成功")
}

func TestFormatBatchValidation(t *testing.T) {
	svc := newFormatService(t, adapterConfig(nil))

	_, err := svc.ExecuteBatch(context.Background(), nil)
	assert.Error(t, err, "空请求应报错")

	_, err = svc.ExecuteBatch(context.Background(), &FormatBatchRequest{TaskID: "  "})
	assert.Error(t, err, "缺少任务ID应报错")

	_, err = svc.ExecuteBatch(context.Background(), &FormatBatchRequest{TaskID: "t"})
	assert.Error(t, err, "空设备列表应报错")
}

func TestFormatFastSuccess(t *testing.T) {
	srv, _ := fakeEapi(t, func(call int, probe rpcProbe) string {
		return okEnvelope(probe.ID, fmtShowVersionJSON)
	})

	cfg := adapterConfig(nil)
	svc := newFormatService(t, cfg)

	execReq := execRequestFor(t, srv)
	retries := 0
	resp, err := svc.ExecuteFast(context.Background(), &FormatFastRequest{
		TaskID:    "fast-1",
		RetryFlag: &retries,
		Device: []FormatFastDevice{{
			DeviceIP:       execReq.DeviceIP,
			DevicePort:     execReq.Port,
			DeviceName:     "SW-FAST-01",
			DevicePlatform: "arista_eos",
			UserName:       "admin",
			Password:       "admin",
			UseTLS:         execReq.UseTLS,
			Cli:            "show version",
		}},
	})
	require.NoError(t, err, "快速格式化不应报错")

	assert.Equal(t, "success", resp.Result, "结果应为 success")
	assert.Equal(t, "fast-1", resp.TaskID, "应回显任务ID")
	require.Len(t, resp.Raw, 1, "原始结果应覆盖命令")
	assert.True(t, resp.Raw[0].Success, "命令应成功")
	assert.Contains(t, resp.Raw[0].RawOutput, "cEOSLab", "原始输出应包含设备回显")

	formatted, ok := resp.Formatted["show version"].(map[string]interface{})
	require.True(t, ok, "格式化结果应按命令键组织")
	rows, ok := formatted["parsed"].([]collect.FormattedRow)
	require.True(t, ok, "解析产物应为格式化行数组")
	require.Len(t, rows, 1, "show version 应解析出一行")
	assert.Equal(t, "version_info", rows[0].Table, "应指向 version_info 表")
}

func TestFormatFastCollectFailed(t *testing.T) {
	srv, _ := fakeEapi(t, func(call int, probe rpcProbe) string { return okEnvelope(probe.ID) })
	execReq := execRequestFor(t, srv)
	srv.Close()

	svc := newFormatService(t, adapterConfig(nil))
	retries := 0
	timeout := 2
	resp, err := svc.ExecuteFast(context.Background(), &FormatFastRequest{
		TaskID:    "fast-2",
		RetryFlag: &retries,
		Timeout:   &timeout,
		Device: []FormatFastDevice{{
			DeviceIP:       execReq.DeviceIP,
			DevicePort:     execReq.Port,
			DevicePlatform: "arista_eos",
			UserName:       "admin",
			Password:       "admin",
			UseTLS:         execReq.UseTLS,
			Cli:            "show version",
		}},
	})
	require.NoError(t, err, "采集失败应体现在结果字段")
	assert.Equal(t, "collect_failed", resp.Result, "结果应为 collect_failed")
}

func TestFormatFastFormattedFailed(t *testing.T) {
	srv, _ := fakeEapi(t, func(call int, probe rpcProbe) string {
		return okEnvelope(probe.ID, `{"clockSource":"local"}`)
	})

	svc := newFormatService(t, adapterConfig(nil))
	execReq := execRequestFor(t, srv)
	retries := 0
	resp, err := svc.ExecuteFast(context.Background(), &FormatFastRequest{
		TaskID:    "fast-3",
		RetryFlag: &retries,
		Device: []FormatFastDevice{{
			DeviceIP:       execReq.DeviceIP,
			DevicePort:     execReq.Port,
			DevicePlatform: "arista_eos",
			UserName:       "admin",
			Password:       "admin",
			UseTLS:         execReq.UseTLS,
			CliList:        []string{"show clock"},
		}},
	})
	require.NoError(t, err, "快速格式化不应报错")
	assert.Equal(t, "formatted_failed", resp.Result, "无插件覆盖时结果应为 formatted_failed")

	formatted, ok := resp.Formatted["show clock"].(map[string]interface{})
	require.True(t, ok, "未覆盖命令也应有占位键")
	assert.Empty(t, formatted["parsed"], "解析产物应为空")
}

func TestFormatPathBuilders(t *testing.T) {
	svc := NewFormatService(adapterConfig(nil))

	assert.Equal(t, "/data-formats/lab/t1/formatted/", svc.buildJSONPrefix("lab", "t1"),
		"JSON 前缀应包含保存目录与任务ID")
	assert.Equal(t, "/data-formats/t1/formatted/", svc.buildJSONPrefix("", "t1"),
		"缺省保存目录应省略该段")

	assert.Equal(t, "/data-formats/lab/t1/formatted/arista_eos/show_version/formatted_1.json",
		svc.buildFormattedJSONPath("lab", "t1", "arista_eos", "show version", 0),
		"批次号缺省应按 1 处理")
	assert.Equal(t, "/data-formats/lab/t1/formatted/arista_eos/show_version/formatted_3.json",
		svc.buildFormattedJSONPath("lab", "t1", "Arista_EOS", "show version", 3),
		"平台名应归一为小写")

	assert.Equal(t, "/data-formats/lab/t1/raw/2/sw-fmt-01/formatted/show_version.txt",
		svc.buildRawObjectPath("lab", "t1", 2, "SW-FMT-01", "show version"),
		"原始数据路径应包含批次与设备名")
}

func TestMatchFields(t *testing.T) {
	existing := map[string]interface{}{"hostname": "sw1", "mgmt_ip": "10.0.0.1"}
	update := map[string]interface{}{"hostname": "sw1", "mgmt_ip": "10.0.0.2"}

	assert.True(t, matchFields(existing, update, []collect.FieldMatch{
		{Field: "hostname", Type: collect.MatchExact},
	}), "等值匹配应命中")

	assert.False(t, matchFields(existing, update, []collect.FieldMatch{
		{Field: "mgmt_ip", Type: collect.MatchExact},
	}), "不同值不应命中")

	assert.False(t, matchFields(existing, update, nil), "无匹配规则视为不命中")

	assert.True(t, matchFields(existing, update, []collect.FieldMatch{
		{Field: "mgmt_ip", Type: collect.MatchRegex, ExistingRegex: `^10\.0\.`, UpdateRegex: `^10\.0\.`},
	}), "正则匹配应命中")

	assert.False(t, matchFields(existing, update, []collect.FieldMatch{
		{Field: "mgmt_ip", Type: collect.MatchRegex, ExistingRegex: `^192\.168\.`},
	}), "正则不匹配不应命中")
}

func TestFormatEffectiveRetries(t *testing.T) {
	svc := NewFormatService(adapterConfig(nil))

	zero := 0
	five := 5
	assert.Equal(t, 0, svc.effectiveRetries(&zero, "arista_eos"), "显式 0 应关闭重试")
	assert.Equal(t, 5, svc.effectiveRetries(&five, "arista_eos"), "请求参数应优先")
	assert.Equal(t, 2, svc.effectiveRetries(nil, "arista_eos"), "缺省应取平台默认")

	assert.Equal(t, 60, svc.effectiveTimeout(nil, "arista_eos"), "缺省超时应取平台默认")
	ten := 10
	assert.Equal(t, 10, svc.effectiveTimeout(&ten, "arista_eos"), "请求超时应优先")
}
