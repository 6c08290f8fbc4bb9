package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eapicollectorpro/eapicollectorpro/internal/config"
	"github.com/eapicollectorpro/eapicollectorpro/pkg/eapi"
)

// rpcProbe 捕获一次 JSON-RPC 请求的关键字段用于断言
type rpcProbe struct {
	Jsonrpc string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  struct {
		Version     interface{}       `json:"version"`
		Cmds        []json.RawMessage `json:"cmds"`
		Format      string            `json:"format"`
		Timestamps  bool              `json:"timestamps"`
		StopOnError bool              `json:"stopOnError"`
	} `json:"params"`
	ID string `json:"id"`
}

// cmdStrings 还原请求里的命令串（对象形态取 cmd 字段）
func cmdStrings(p rpcProbe) []string {
	out := make([]string, 0, len(p.Params.Cmds))
	for _, raw := range p.Params.Cmds {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			out = append(out, s)
			continue
		}
		var obj struct {
			Cmd string `json:"cmd"`
		}
		_ = json.Unmarshal(raw, &obj)
		out = append(out, obj.Cmd)
	}
	return out
}

// fakeEapi 启动一个按调用序号应答的假 eAPI 端点
func fakeEapi(t *testing.T, respond func(call int, probe rpcProbe) string) (*httptest.Server, func() []rpcProbe) {
	t.Helper()
	var mu sync.Mutex
	var probes []rpcProbe
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var probe rpcProbe
		if err := json.NewDecoder(r.Body).Decode(&probe); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		probes = append(probes, probe)
		call := len(probes)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, respond(call, probe))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []rpcProbe {
		mu.Lock()
		defer mu.Unlock()
		return append([]rpcProbe(nil), probes...)
	}
}

// execRequestFor 构造指向 httptest 端点的执行请求
func execRequestFor(t *testing.T, srv *httptest.Server) *ExecRequest {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err, "解析测试端点地址不应失败")
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err, "拆分测试端点地址不应失败")
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err, "测试端点端口应为数字")

	useTLS := false
	return &ExecRequest{
		DeviceIP:       host,
		Port:           port,
		DeviceName:     "sw-test-01",
		DevicePlatform: "arista_eos",
		UserName:       "admin",
		Password:       "admin",
		UseTLS:         &useTLS,
		TimeoutSec:     5,
	}
}

func adapterConfig(deviceDefaults map[string]config.PlatformDefaultsConfig) *config.Config {
	return &config.Config{
		Eapi: config.EapiConfig{
			Timeout: 5 * time.Second,
			Format:  "json",
		},
		Collector: config.CollectorConfig{DeviceDefaults: deviceDefaults},
	}
}

func okEnvelope(id string, elems ...string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":[%s]}`, id, joinElems(elems))
}

func joinElems(elems []string) string {
	out := ""
	for i, e := range elems {
		if i > 0 {
			out += ","
		}
		out += e
	}
	return out
}

func TestAdapterSingleBatch(t *testing.T) {
	srv, probes := fakeEapi(t, func(call int, probe rpcProbe) string {
		return okEnvelope(probe.ID, `{"version":"4.30.1F","memTotal":8099732}`)
	})

	adapter := NewExecAdapter(adapterConfig(nil))
	req := execRequestFor(t, srv)
	req.RequestID = "task-100"

	results, err := adapter.Execute(context.Background(), req, []string{"show version"})
	require.NoError(t, err, "单批次执行不应失败")
	require.Len(t, results, 1, "结果条数应与命令数一致")
	assert.Equal(t, "show version", results[0].Command, "结果应回填命令串")
	assert.True(t, results[0].Success, "命令应执行成功")
	assert.True(t, results[0].Executed, "命令应被执行")

	sent := probes()
	require.Len(t, sent, 1, "只应发出一次请求")
	assert.Equal(t, "runCmds", sent[0].Method, "方法名应为 runCmds")
	assert.Equal(t, "latest", sent[0].Params.Version, "默认版本应为 latest")
	assert.Equal(t, "json", sent[0].Params.Format, "默认格式应为 json")
	assert.True(t, sent[0].Params.StopOnError, "默认应失败即停")
	assert.Equal(t, "task-100", sent[0].ID, "请求 ID 应透传任务标识")
}

func TestAdapterTextRunSplit(t *testing.T) {
	defaults := map[string]config.PlatformDefaultsConfig{
		"arista_eos": {TextCommands: []string{"show tech-support"}},
	}
	srv, probes := fakeEapi(t, func(call int, probe rpcProbe) string {
		if probe.Params.Format == "text" {
			return okEnvelope(probe.ID, `{"output":"### tech support ###\n"}`)
		}
		return okEnvelope(probe.ID, `{"hostname":"sw-test-01"}`)
	})

	adapter := NewExecAdapter(adapterConfig(defaults))
	req := execRequestFor(t, srv)

	cmds := []string{"show version", "show tech-support", "show hostname"}
	results, err := adapter.Execute(context.Background(), req, cmds)
	require.NoError(t, err, "混合格式批次不应失败")
	require.Len(t, results, 3, "结果条数应与命令数一致")

	// 分段不改变命令顺序
	for i, c := range cmds {
		assert.Equal(t, c, results[i].Command, "结果顺序应与命令顺序一致")
	}
	assert.Equal(t, "### tech support ###\n", results[1].Output, "text 段应解出 output 字符串")

	sent := probes()
	require.Len(t, sent, 3, "三条命令应切成三个分段")
	assert.Equal(t, "json", sent[0].Params.Format, "首段应为 json")
	assert.Equal(t, "text", sent[1].Params.Format, "次段应为 text")
	assert.Equal(t, "json", sent[2].Params.Format, "末段应回到 json")
}

func TestAdapterEnablePrepend(t *testing.T) {
	srv, probes := fakeEapi(t, func(call int, probe rpcProbe) string {
		return okEnvelope(probe.ID, `{}`, `{"fqdn":"sw-test-01.lab"}`)
	})

	adapter := NewExecAdapter(adapterConfig(nil))
	req := execRequestFor(t, srv)
	req.EnablePassword = "s3cret"

	results, err := adapter.Execute(context.Background(), req, []string{"show hostname"})
	require.NoError(t, err, "携带特权口令执行不应失败")
	require.Len(t, results, 1, "enable 回显不应计入用户结果")
	assert.Equal(t, "show hostname", results[0].Command, "结果应对应用户命令")

	sent := probes()
	require.Len(t, sent, 1, "只应发出一次请求")
	require.Len(t, sent[0].Params.Cmds, 2, "enable 应注入为批次首条命令")
	assert.Equal(t, []string{"enable", "show hostname"}, cmdStrings(sent[0]), "命令顺序应为 enable 在前")

	var enableCmd struct {
		Cmd   string `json:"cmd"`
		Input string `json:"input"`
	}
	require.NoError(t, json.Unmarshal(sent[0].Params.Cmds[0], &enableCmd), "enable 应为对象形态")
	assert.Equal(t, "s3cret", enableCmd.Input, "特权口令应放在 input 字段")
}

func TestAdapterDeviceAbortSynthesis(t *testing.T) {
	defaults := map[string]config.PlatformDefaultsConfig{
		"arista_eos": {TextCommands: []string{"show tech-support"}},
	}
	srv, probes := fakeEapi(t, func(call int, probe rpcProbe) string {
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"error":{"code":1002,"message":"CLI command 2 of 2 'show bogus' failed: invalid command","data":[{},{"errors":["Invalid input (at token 1: 'bogus')"]}]}}`, probe.ID)
	})

	adapter := NewExecAdapter(adapterConfig(defaults))
	req := execRequestFor(t, srv)

	cmds := []string{"show version", "show bogus", "show tech-support"}
	results, err := adapter.Execute(context.Background(), req, cmds)
	require.Error(t, err, "设备中止批次应返回错误")

	var cmdErr *eapi.CommandError
	require.ErrorAs(t, err, &cmdErr, "错误应为 CommandError")
	assert.Equal(t, "show bogus", cmdErr.FailedCommand, "失败命令应为 data 的最后一个元素")
	assert.Equal(t, []string{"Invalid input (at token 1: 'bogus')"}, cmdErr.Errors, "错误详情应来自失败元素")
	require.Len(t, cmdErr.NotExecuted, 1, "后续分段的命令应补入未执行列表")
	assert.Equal(t, "show tech-support", cmdErr.NotExecuted[0].Cmd(), "text 段命令不应再下发")
	require.Len(t, cmdErr.Passed, 1, "失败点之前只有一条命令通过")
	assert.Equal(t, "show version", cmdErr.Passed[0].Command, "通过列表应保持命令顺序")

	// 结果视图仍然完整且与命令一一对应
	require.Len(t, results, 3, "结果应覆盖全部用户命令")
	assert.True(t, results[0].Success, "首条命令应成功")
	assert.False(t, results[1].Success, "失败命令应标记为失败")
	assert.True(t, results[1].Executed, "失败命令确实被执行过")
	assert.False(t, results[2].Executed, "后续命令应为未执行占位")

	sent := probes()
	require.Len(t, sent, 1, "首段失败后不应再发后续分段")
}

func TestAdapterTransportError(t *testing.T) {
	srv, _ := fakeEapi(t, func(call int, probe rpcProbe) string { return "{}" })
	adapter := NewExecAdapter(adapterConfig(nil))
	req := execRequestFor(t, srv)
	srv.Close()

	results, err := adapter.Execute(context.Background(), req, []string{"show version"})
	require.Error(t, err, "连接失败应返回错误")
	assert.Nil(t, results, "传输层错误不应产生结果")

	var cmdErr *eapi.CommandError
	assert.False(t, errors.As(err, &cmdErr), "传输层错误不应是 CommandError")
}

func TestAdapterUnsupportedProtocol(t *testing.T) {
	adapter := NewExecAdapter(adapterConfig(nil))
	req := &ExecRequest{DeviceIP: "192.0.2.1", CollectProtocol: "ssh"}

	_, err := adapter.Execute(context.Background(), req, []string{"show version"})
	require.Error(t, err, "非 eapi 协议应拒绝")
	assert.Contains(t, err.Error(), "unsupported protocol", "错误信息应说明协议不支持")
}

func TestSplitRuns(t *testing.T) {
	prefixes := []string{"show tech-support", "show running-config"}
	runs := splitRuns([]string{
		"show version",
		"show hostname",
		"show running-config",
		"show tech-support all",
		"show interfaces",
	}, eapi.FormatJSON, prefixes)

	require.Len(t, runs, 3, "混合格式应切成三段")
	assert.Equal(t, eapi.FormatJSON, runs[0].format, "首段为 json")
	assert.Equal(t, []string{"show version", "show hostname"}, runs[0].cmds, "连续同格式命令应合并")
	assert.Equal(t, eapi.FormatText, runs[1].format, "text 前缀命中的命令强制 text")
	assert.Equal(t, []string{"show running-config", "show tech-support all"}, runs[1].cmds, "相邻 text 命令应合并")
	assert.Equal(t, []string{"show interfaces"}, runs[2].cmds, "末段回到 json")
}

func TestSplitRunsAllText(t *testing.T) {
	runs := splitRuns([]string{"show version"}, eapi.FormatText, nil)
	require.Len(t, runs, 1, "基础格式为 text 时只有一段")
	assert.Equal(t, eapi.FormatText, runs[0].format, "段格式应为 text")
}

func TestResolveFormat(t *testing.T) {
	assert.Equal(t, eapi.FormatText, resolveFormat("TEXT", "json"), "请求级优先且大小写不敏感")
	assert.Equal(t, eapi.FormatJSON, resolveFormat("", "json", "text"), "空值应逐级回落")
	assert.Equal(t, eapi.FormatJSON, resolveFormat("", "", ""), "全部未配置时取 json")
	assert.Equal(t, eapi.FormatJSON, resolveFormat("xml", "bogus"), "非法取值应忽略")
}

func TestRunID(t *testing.T) {
	assert.Equal(t, "task-1", runID("task-1", 0, 1), "单段不加后缀")
	assert.Equal(t, "task-1-2", runID("task-1", 1, 3), "多段按序号加后缀")
	assert.Equal(t, "", runID("", 1, 3), "空基准保持为空让客户端自动生成")
}
