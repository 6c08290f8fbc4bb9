package arista_eos

import (
	"encoding/json"
	"testing"

	"github.com/eapicollectorpro/eapicollectorpro/addone/collect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeJSON(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

func parseCtx(cmd, format string) collect.ParseContext {
	return collect.ParseContext{
		Platform: "arista_eos",
		Command:  cmd,
		Format:   format,
		TaskID:   "task-001",
		Status:   collect.TaskStatusSuccess,
		RawPaths: collect.RawStorePaths{cmd: "raw/task-001/" + cmd},
	}
}

func TestParseShowVersion(t *testing.T) {
	output := decodeJSON(t, `{
		"modelName": "cEOSLab",
		"serialNumber": "ABC12340001",
		"version": "4.30.1F",
		"systemMacAddress": "00:1c:73:aa:bb:cc",
		"architecture": "x86_64",
		"internalVersion": "4.30.1F-33287808",
		"memTotal": 8099732,
		"memFree": 5816676,
		"uptime": 268513.2
	}`)

	p := &Plugin{}
	out, err := p.Parse(parseCtx("show version", "json"), output)
	require.NoError(t, err)
	require.Len(t, out.Rows, 1)

	row := out.Rows[0]
	assert.Equal(t, "version_info", row.Table)
	assert.Equal(t, "task-001", row.Base.TaskID, "基础字段应带任务ID")
	assert.Equal(t, "cEOSLab", row.Data["model"])
	assert.Equal(t, "ABC12340001", row.Data["serial"])
	assert.Equal(t, "4.30.1F", row.Data["version"])
	assert.Equal(t, float64(8099732), row.Data["mem_total_kb"])
}

func TestParseShowHostname(t *testing.T) {
	output := decodeJSON(t, `{"hostname": "leaf1", "fqdn": "leaf1.dc1.example.com"}`)

	p := &Plugin{}
	out, err := p.Parse(parseCtx("show hostname", "json"), output)
	require.NoError(t, err)
	require.Len(t, out.Rows, 1)
	assert.Equal(t, "device_info", out.Rows[0].Table)
	assert.Equal(t, "leaf1", out.Rows[0].Data["hostname"])
	assert.Equal(t, "leaf1.dc1.example.com", out.Rows[0].Data["fqdn"])
}

func TestParseShowInterfaces(t *testing.T) {
	output := decodeJSON(t, `{
		"interfaces": {
			"Management1": {
				"description": "oob",
				"lineProtocolStatus": "up",
				"interfaceStatus": "connected",
				"physicalAddress": "00:1c:73:aa:bb:01",
				"burnedInAddress": "00:1c:73:aa:bb:01",
				"mtu": 1500,
				"bandwidth": 1000000000,
				"interfaceAddress": [
					{"primaryIp": {"address": "10.0.0.11", "maskLen": 24}}
				]
			},
			"Ethernet1": {
				"description": "to-spine1",
				"lineProtocolStatus": "up",
				"interfaceStatus": "connected",
				"physicalAddress": "00:1c:73:aa:bb:02",
				"mtu": 9214,
				"bandwidth": 10000000000,
				"interfaceAddress": []
			}
		}
	}`)

	p := &Plugin{}
	out, err := p.Parse(parseCtx("show interfaces", "json"), output)
	require.NoError(t, err)
	require.Len(t, out.Rows, 2)

	// 行序按接口名排序
	assert.Equal(t, "Ethernet1", out.Rows[0].Data["int_name"])
	assert.Equal(t, "Management1", out.Rows[1].Data["int_name"])
	assert.Equal(t, "to-spine1", out.Rows[0].Data["description"])
	assert.Equal(t, "", out.Rows[0].Data["int_ip"], "无地址的接口 IP 应为空")
	assert.Equal(t, "10.0.0.11", out.Rows[1].Data["int_ip"])
	assert.Equal(t, "00:1c:73:aa:bb:01", out.Rows[1].Data["int_mac"])
}

func TestParseRunningConfigText(t *testing.T) {
	raw := "! Command: show running-config\nhostname leaf1\n!\ninterface Ethernet1\n   description to-spine1\n!\ninterface Management1\n   ip address 10.0.0.11/24\n!\nend\n"

	p := &Plugin{}
	out, err := p.Parse(parseCtx("show running-config", "text"), raw)
	require.NoError(t, err)
	require.Len(t, out.Rows, 1)

	row := out.Rows[0]
	assert.Equal(t, "device_config", row.Table)
	assert.Equal(t, "leaf1", row.Data["hostname"], "应从配置文本提取主机名")
	assert.Equal(t, 2, row.Data["interface_count"])
	assert.Equal(t, raw, out.Raw, "text 输出应原样保留")
}

func TestParseUnknownCommandPassThrough(t *testing.T) {
	output := decodeJSON(t, `{"fruVersions": []}`)

	p := &Plugin{}
	out, err := p.Parse(parseCtx("show inventory", "json"), output)
	require.NoError(t, err)
	assert.Nil(t, out.Rows, "未支持的命令不产出格式化行")
	assert.Contains(t, out.Raw, "fruVersions", "原始输出应序列化保留")
}

func TestTextCommands(t *testing.T) {
	p := &Plugin{}
	assert.Contains(t, p.TextCommands(), "show running-config")
	assert.Contains(t, collect.Get("arista_eos").SystemCommands(), "show version", "注册表应返回本平台插件")
}
