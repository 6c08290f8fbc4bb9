package eapi

import (
	"encoding/json"
	"fmt"
)

// Format eAPI 输出格式，协议只有 json 与 text 两种
type Format string

const (
	// FormatJSON 结构化输出（默认）。每条命令的结果是一个 JSON 对象。
	FormatJSON Format = "json"
	// FormatText 文本输出。设备把回显包装为 {"output": "..."}。
	FormatText Format = "text"
)

// Valid 是否为协议允许的格式
func (f Format) Valid() bool { return f == FormatJSON || f == FormatText }

func (f Format) String() string { return string(f) }

// Version eAPI 版本选择器。零值为哨兵值，表示使用设备支持的最新版本。
type Version int

// VersionLatest 使用设备支持的最新 eAPI 版本，报文中序列化为字符串 "latest"
const VersionLatest Version = 0

// MarshalJSON 哨兵值写为 "latest"，正整数按数字写出
func (v Version) MarshalJSON() ([]byte, error) {
	if v == VersionLatest {
		return json.Marshal("latest")
	}
	if v < 0 {
		return nil, fmt.Errorf("eapi: invalid api version %d", v)
	}
	return json.Marshal(int(v))
}
