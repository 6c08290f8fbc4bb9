package arista_eos

import (
	"sort"

	"github.com/eapicollectorpro/eapicollectorpro/addone/collect"
)

// parseInterfacesRows 解析 show interfaces 的 JSON 输出
// 顶层结构：{"interfaces": {"Ethernet1": {...}, "Management1": {...}}}
func parseInterfacesRows(ctx collect.ParseContext, output interface{}) []collect.FormattedRow {
	m, ok := collect.AsObject(output)
	if !ok {
		return nil
	}
	ifMap, ok := m["interfaces"].(map[string]interface{})
	if !ok {
		return nil
	}

	// map 遍历无序，按接口名排序保证落库顺序稳定
	names := make([]string, 0, len(ifMap))
	for name := range ifMap {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([]collect.FormattedRow, 0, len(names))
	for _, name := range names {
		entry, ok := ifMap[name].(map[string]interface{})
		if !ok {
			continue
		}
		data := map[string]interface{}{
			"int_name":    name,
			"description": mapString(entry, "description"),
			"line_status": mapString(entry, "lineProtocolStatus"),
			"int_status":  mapString(entry, "interfaceStatus"),
			"int_mac":     interfaceMac(entry),
			"mtu":         mapFloat(entry, "mtu"),
			"bandwidth":   mapFloat(entry, "bandwidth"),
			"int_ip":      interfacePrimaryIP(entry),
		}
		rows = append(rows, collect.FormattedRow{
			Table: "interfaces",
			Base: collect.BaseRecord{
				TaskID:       ctx.TaskID,
				TaskStatus:   ctx.Status,
				RawStoreJSON: ctx.RawPaths.Marshal(),
			},
			Data: data,
		})
	}
	return rows
}

// interfaceMac 物理口优先取烧录地址，聚合口等虚拟口只有 physicalAddress
func interfaceMac(entry map[string]interface{}) string {
	if mac := mapString(entry, "burnedInAddress"); mac != "" {
		return mac
	}
	return mapString(entry, "physicalAddress")
}

// interfacePrimaryIP 提取首个 interfaceAddress 的主地址
func interfacePrimaryIP(entry map[string]interface{}) string {
	addrs, ok := entry["interfaceAddress"].([]interface{})
	if !ok || len(addrs) == 0 {
		return ""
	}
	first, ok := addrs[0].(map[string]interface{})
	if !ok {
		return ""
	}
	primary, ok := first["primaryIp"].(map[string]interface{})
	if !ok {
		return ""
	}
	return mapString(primary, "address")
}
