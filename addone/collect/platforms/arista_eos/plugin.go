package arista_eos

import (
	"strings"

	"github.com/eapicollectorpro/eapicollectorpro/addone/collect"
)

// Plugin 为 arista_eos 平台采集插件
type Plugin struct{}

func (p *Plugin) Name() string { return "arista_eos" }

func (p *Plugin) StorageDefaults() collect.StorageDefaults {
	return (&collect.DefaultPlugin{}).StorageDefaults()
}

// SystemCommands 返回系统内置的 EOS 采集命令（具备格式化支持）
func (p *Plugin) SystemCommands() []string {
	return []string{
		"show hostname",
		"show version",
		"show interfaces",
		"show running-config",
	}
}

// TextCommands 这些命令（按前缀匹配）没有 JSON 转换，必须以 text 编码执行
func (p *Plugin) TextCommands() []string {
	return []string{
		"show running-config",
		"show startup-config",
		"show tech-support",
	}
}

// Parse 按命令分发到对应的文件级处理函数
func (p *Plugin) Parse(ctx collect.ParseContext, output interface{}) (collect.ParseOutput, error) {
	cmd := strings.ToLower(strings.TrimSpace(ctx.Command))
	switch {
	case cmd == "show version":
		row := parseShowVersionRow(ctx, output)
		return collect.ParseOutput{Platform: ctx.Platform, Command: ctx.Command, Raw: collect.RawString(output), Rows: []collect.FormattedRow{row}}, nil

	case cmd == "show hostname":
		row := parseShowHostnameRow(ctx, output)
		return collect.ParseOutput{Platform: ctx.Platform, Command: ctx.Command, Raw: collect.RawString(output), Rows: []collect.FormattedRow{row}}, nil

	case cmd == "show interfaces" || strings.HasPrefix(cmd, "show interfaces "):
		rows := parseInterfacesRows(ctx, output)
		return collect.ParseOutput{Platform: ctx.Platform, Command: ctx.Command, Raw: collect.RawString(output), Rows: rows}, nil

	case strings.HasPrefix(cmd, "show running-config"):
		row := parseRunningConfigRow(ctx, output)
		return collect.ParseOutput{Platform: ctx.Platform, Command: ctx.Command, Raw: collect.RawString(output), Rows: []collect.FormattedRow{row}}, nil

	default:
		return collect.ParseOutput{Platform: ctx.Platform, Command: ctx.Command, Raw: collect.RawString(output), Rows: nil}, nil
	}
}

// mapString 从解码后的 JSON 对象取字符串字段
func mapString(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// mapFloat 从解码后的 JSON 对象取数值字段
func mapFloat(m map[string]interface{}, key string) float64 {
	if m == nil {
		return 0
	}
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}

func init() { collect.Register("arista_eos", &Plugin{}) }
