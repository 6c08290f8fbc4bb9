package arista_eos

import (
	"strings"

	"github.com/eapicollectorpro/eapicollectorpro/addone/collect"
)

// parseRunningConfigRow 解析 show running-config 的 text 输出
// 该命令以 text 编码执行，output 为完整配置文本
func parseRunningConfigRow(ctx collect.ParseContext, output interface{}) collect.FormattedRow {
	raw, _ := output.(string)
	lines := strings.Split(strings.ReplaceAll(raw, "\r", "\n"), "\n")

	hostname := ""
	interfaceCount := 0
	for _, ln := range lines {
		trimmed := strings.TrimSpace(ln)
		if after, ok := strings.CutPrefix(trimmed, "hostname "); ok {
			hostname = strings.TrimSpace(after)
		}
		if strings.HasPrefix(ln, "interface ") {
			interfaceCount++
		}
	}

	return collect.FormattedRow{
		Table: "device_config",
		Base: collect.BaseRecord{
			TaskID:       ctx.TaskID,
			TaskStatus:   ctx.Status,
			RawStoreJSON: ctx.RawPaths.Marshal(),
		},
		Data: map[string]interface{}{
			"type":            "config",
			"hostname":        hostname,
			"line_count":      len(lines),
			"interface_count": interfaceCount,
		},
	}
}
