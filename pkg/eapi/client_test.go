package eapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestDevice 启动一个假 eAPI 设备并返回指向它的 Device 与命中计数
func newTestDevice(t *testing.T, respond func(env map[string]interface{}) (int, string)) (*Device, *int32) {
	t.Helper()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, commandAPIPath, r.URL.Path, "应固定 POST 到 /command-api")
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok, "应携带 Basic 认证")
		assert.Equal(t, "admin", user)
		assert.Equal(t, "arista", pass)

		var env map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		status, body := respond(env)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	device := NewDevice(&DeviceConfig{Host: host, Port: port, Username: "admin", Password: "arista"})
	return device, &hits
}

// echoID 把应答模板里的 %s 替换为请求 id 的 JSON 形式
func echoID(env map[string]interface{}, template string) string {
	raw, _ := json.Marshal(env["id"])
	return fmt.Sprintf(template, string(raw))
}

func TestDeviceExecute(t *testing.T) {
	device, _ := newTestDevice(t, func(env map[string]interface{}) (int, string) {
		assert.Equal(t, "2.0", env["jsonrpc"])
		assert.Equal(t, "runCmds", env["method"])
		params := env["params"].(map[string]interface{})
		assert.Equal(t, "latest", params["version"])
		assert.Equal(t, []interface{}{"show version"}, params["cmds"])
		return http.StatusOK, echoID(env, `{"jsonrpc":"2.0","id":%s,"result":[{"version":"4.31.2F"}]}`)
	})

	req, err := NewRequest(Commands([]string{"show version"}), nil)
	require.NoError(t, err)

	resp, err := device.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.Success())
	assert.Equal(t, req.ID, resp.RequestID, "设备回显的 id 应与请求一致")

	res, ok := resp.Result(0)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"version": "4.31.2F"}, res.Output)
}

func TestDeviceExecuteStatusError(t *testing.T) {
	device, _ := newTestDevice(t, func(env map[string]interface{}) (int, string) {
		return http.StatusUnauthorized, `{"detail":"Unauthorized"}`
	})

	req, err := NewRequest(Commands([]string{"show version"}), nil)
	require.NoError(t, err)

	_, err = device.Execute(context.Background(), req)
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr, "非 2xx 应答应以 *StatusError 原样向上")
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.JSONEq(t, `{"detail":"Unauthorized"}`, string(statusErr.Body))
	_, direct := err.(*StatusError)
	assert.True(t, direct, "状态错误不应被包装")
}

func TestRunCommandSingular(t *testing.T) {
	device, _ := newTestDevice(t, func(env map[string]interface{}) (int, string) {
		params := env["params"].(map[string]interface{})
		assert.Equal(t, "text", params["format"])
		return http.StatusOK, echoID(env, `{"jsonrpc":"2.0","id":%s,"result":[{"output":"Arista cEOSLab"}]}`)
	})

	out, err := device.RunCommand(context.Background(), SimpleCommand("show version"),
		&RunOptions{Format: FormatText})
	require.NoError(t, err)
	assert.Equal(t, "Arista cEOSLab", out, "单命令调用应返回裸值而不是单元素列表")
}

func TestRunCommandsPlural(t *testing.T) {
	device, _ := newTestDevice(t, func(env map[string]interface{}) (int, string) {
		return http.StatusOK, echoID(env, `{"jsonrpc":"2.0","id":%s,"result":[{"output":"Arista cEOSLab"}]}`)
	})

	outputs, err := device.RunCommands(context.Background(),
		Commands([]string{"show version"}), &RunOptions{Format: FormatText})
	require.NoError(t, err)
	require.Len(t, outputs, 1, "列表调用返回单元素列表")
	assert.Equal(t, "Arista cEOSLab", outputs[0])
}

func TestRunCommandsSuppressVersusRaise(t *testing.T) {
	respond := func(env map[string]interface{}) (int, string) {
		return http.StatusOK, echoID(env,
			`{"jsonrpc":"2.0","id":%s,"error":{"code":1002,"message":"CLI command 1 of 2 'bad' failed","data":[{"errors":["Invalid input"]}]}}`)
	}

	// 不抑制：返回批次错误，携带完整上下文
	device, _ := newTestDevice(t, respond)
	outputs, err := device.RunCommands(context.Background(), Commands([]string{"bad", "show version"}), nil)
	require.Error(t, err)
	assert.Nil(t, outputs)

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "bad", cmdErr.FailedCommand)
	assert.Equal(t, []string{"Invalid input"}, cmdErr.Errors)
	assert.Equal(t, "CLI command 1 of 2 'bad' failed", cmdErr.Message)
	require.Len(t, cmdErr.NotExecuted, 1)
	assert.Equal(t, "show version", cmdErr.NotExecuted[0].Cmd())

	// 抑制：同样的失败批次返回 (nil, nil)
	device2, _ := newTestDevice(t, respond)
	outputs, err = device2.RunCommands(context.Background(), Commands([]string{"bad", "show version"}),
		&RunOptions{SuppressError: true})
	assert.NoError(t, err, "抑制模式下批次失败不是错误")
	assert.Nil(t, outputs, "抑制模式下以 nil 表示结果缺失")
}

func TestRunCommandsNoCommands(t *testing.T) {
	device, hits := newTestDevice(t, func(env map[string]interface{}) (int, string) {
		return http.StatusOK, `{}`
	})

	_, err := device.RunCommands(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNoCommands)

	_, err = device.RunCommand(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNoCommands)

	assert.Zero(t, atomic.LoadInt32(hits), "参数错误必须发生在任何网络请求之前")
}

func TestPortForScheme(t *testing.T) {
	port, err := PortForScheme("https")
	require.NoError(t, err)
	assert.Equal(t, 443, port)

	port, err = PortForScheme("http")
	require.NoError(t, err)
	assert.Equal(t, 80, port)

	_, err = PortForScheme("no-such-scheme")
	assert.Error(t, err)
}

func TestDeviceURLAndDefaults(t *testing.T) {
	device := NewDevice(&DeviceConfig{Host: "10.0.0.1", UseTLS: true})
	assert.Equal(t, "https://10.0.0.1:443/command-api", device.URL())

	device = NewDevice(&DeviceConfig{Host: "10.0.0.1"})
	assert.Equal(t, "http://10.0.0.1:80/command-api", device.URL())

	device = NewDevice(&DeviceConfig{Host: "10.0.0.1", Port: 8080})
	assert.Equal(t, "http://10.0.0.1:8080/command-api", device.URL())
}

func TestCheckConnection(t *testing.T) {
	device, hits := newTestDevice(t, func(env map[string]interface{}) (int, string) {
		return http.StatusOK, `{}`
	})

	require.NoError(t, device.CheckConnection(context.Background()), "端口开放时探测应成功")
	assert.Zero(t, atomic.LoadInt32(hits), "连通性探测不应发送 eAPI 请求")

	closed := NewDevice(&DeviceConfig{Host: "127.0.0.1", Port: 1})
	assert.Error(t, closed.CheckConnection(context.Background()), "端口未开放时探测应失败")
}

func TestRunCommandsCustomRequestID(t *testing.T) {
	device, _ := newTestDevice(t, func(env map[string]interface{}) (int, string) {
		assert.Equal(t, "my-req-7", env["id"], "自定义请求标识应进入报文")
		return http.StatusOK, echoID(env, `{"jsonrpc":"2.0","id":%s,"result":[{}]}`)
	})

	_, err := device.RunCommands(context.Background(), Commands([]string{"show version"}),
		&RunOptions{RequestID: "my-req-7"})
	require.NoError(t, err)
}

func TestExecuteTransportErrorPassthrough(t *testing.T) {
	device := NewDevice(&DeviceConfig{Host: "127.0.0.1", Port: 1})
	req, err := NewRequest(Commands([]string{"show version"}), nil)
	require.NoError(t, err)

	_, err = device.Execute(context.Background(), req)
	require.Error(t, err)

	var urlErr *url.Error
	assert.True(t, errors.As(err, &urlErr), "传输错误应按 http.Client 的原生类型向上")
}
