package eapi

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeEnvelope(t *testing.T, req *Request) map[string]interface{} {
	t.Helper()
	raw, err := json.Marshal(req)
	require.NoError(t, err, "请求序列化不应失败")
	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &envelope))
	return envelope
}

func TestNewRequestDefaults(t *testing.T) {
	req, err := NewRequest(Commands([]string{"show version"}), nil)
	require.NoError(t, err)

	assert.NotEmpty(t, req.ID, "应自动生成请求标识")
	assert.Equal(t, FormatJSON, req.Format, "默认输出格式是 json")
	assert.Equal(t, VersionLatest, req.Version, "默认使用 latest 版本")
	assert.True(t, req.StopOnError, "默认失败即停")
	assert.False(t, req.Timestamps)
	assert.False(t, req.AutoComplete)
	assert.False(t, req.ExpandAliases)

	// 两次构造的自动标识不应相同
	req2, err := NewRequest(Commands([]string{"show version"}), nil)
	require.NoError(t, err)
	assert.NotEqual(t, req.ID, req2.ID)
}

func TestNewRequestValidation(t *testing.T) {
	_, err := NewRequest(nil, nil)
	assert.ErrorIs(t, err, ErrNoCommands, "空命令列表应立即报参数错误")

	_, err = NewRequest([]Command{}, nil)
	assert.ErrorIs(t, err, ErrNoCommands)

	_, err = NewRequest(Commands([]string{"show version"}), &RequestOptions{Format: "xml"})
	assert.Error(t, err, "协议外的输出格式应被拒绝")

	_, err = NewRequest(Commands([]string{"show version"}), &RequestOptions{Version: -1})
	assert.Error(t, err, "负数版本应被拒绝")
}

func TestRequestEnvelope(t *testing.T) {
	req, err := NewRequest(
		[]Command{
			SimpleCommand("enable"),
			ComplexCommand{Command: "show version", Revision: 2},
		},
		&RequestOptions{
			ID:            "req-1",
			Format:        FormatText,
			Timestamps:    true,
			AutoComplete:  true,
			ExpandAliases: true,
		},
	)
	require.NoError(t, err)

	envelope := decodeEnvelope(t, req)
	assert.Equal(t, "2.0", envelope["jsonrpc"])
	assert.Equal(t, "runCmds", envelope["method"])
	assert.Equal(t, "req-1", envelope["id"])

	params, ok := envelope["params"].(map[string]interface{})
	require.True(t, ok, "params 应是对象")
	assert.Equal(t, "latest", params["version"], "latest 哨兵应序列化为字符串")
	assert.Equal(t, "text", params["format"])
	assert.Equal(t, true, params["timestamps"])
	assert.Equal(t, true, params["autoComplete"])
	assert.Equal(t, true, params["expandAliases"])
	assert.Equal(t, true, params["stopOnError"])

	cmds, ok := params["cmds"].([]interface{})
	require.True(t, ok)
	require.Len(t, cmds, 2)
	assert.Equal(t, "enable", cmds[0], "纯字符串命令在报文中就是字符串")
	assert.Equal(t, map[string]interface{}{"cmd": "show version", "revision": float64(2)}, cmds[1],
		"结构化命令按对象写出，未设置的可选字段省略")
}

func TestRequestEnvelopeNumericVersion(t *testing.T) {
	req, err := NewRequest(Commands([]string{"show version"}), &RequestOptions{Version: 1})
	require.NoError(t, err)

	params := decodeEnvelope(t, req)["params"].(map[string]interface{})
	assert.Equal(t, float64(1), params["version"], "具体版本号按数字写出")
}

func TestRequestContinueOnError(t *testing.T) {
	req, err := NewRequest(Commands([]string{"a", "b"}), &RequestOptions{ContinueOnError: true})
	require.NoError(t, err)
	assert.False(t, req.StopOnError)

	params := decodeEnvelope(t, req)["params"].(map[string]interface{})
	assert.Equal(t, false, params["stopOnError"])
}

func TestRequestCommandOrderPreserved(t *testing.T) {
	names := []string{"c3", "c1", "c2", "c0"}
	req, err := NewRequest(Commands(names), nil)
	require.NoError(t, err)

	params := decodeEnvelope(t, req)["params"].(map[string]interface{})
	cmds := params["cmds"].([]interface{})
	require.Len(t, cmds, len(names))
	for i, name := range names {
		assert.Equal(t, name, cmds[i], "命令顺序必须原样进入报文")
	}
}
