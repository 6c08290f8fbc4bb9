package arista_eos

import (
	"github.com/eapicollectorpro/eapicollectorpro/addone/collect"
)

// parseShowVersionRow 解析 show version 的 JSON 输出
// 关键字段：modelName/serialNumber/version/systemMacAddress/memTotal/uptime
func parseShowVersionRow(ctx collect.ParseContext, output interface{}) collect.FormattedRow {
	data := map[string]interface{}{
		"type": "version",
	}
	if m, ok := collect.AsObject(output); ok {
		data["model"] = mapString(m, "modelName")
		data["serial"] = mapString(m, "serialNumber")
		data["version"] = mapString(m, "version")
		data["system_mac"] = mapString(m, "systemMacAddress")
		data["architecture"] = mapString(m, "architecture")
		data["internal_version"] = mapString(m, "internalVersion")
		data["hardware_revision"] = mapString(m, "hardwareRevision")
		data["mem_total_kb"] = mapFloat(m, "memTotal")
		data["mem_free_kb"] = mapFloat(m, "memFree")
		data["uptime_sec"] = mapFloat(m, "uptime")
	}
	return collect.FormattedRow{
		Table: "version_info",
		Base: collect.BaseRecord{
			TaskID:       ctx.TaskID,
			TaskStatus:   ctx.Status,
			RawStoreJSON: ctx.RawPaths.Marshal(),
		},
		Data: data,
	}
}

// parseShowHostnameRow 解析 show hostname 的 JSON 输出
func parseShowHostnameRow(ctx collect.ParseContext, output interface{}) collect.FormattedRow {
	data := map[string]interface{}{
		"type": "hostname",
	}
	if m, ok := collect.AsObject(output); ok {
		data["hostname"] = mapString(m, "hostname")
		data["fqdn"] = mapString(m, "fqdn")
	}
	return collect.FormattedRow{
		Table: "device_info",
		Base: collect.BaseRecord{
			TaskID:       ctx.TaskID,
			TaskStatus:   ctx.Status,
			RawStoreJSON: ctx.RawPaths.Marshal(),
		},
		Data: data,
	}
}
