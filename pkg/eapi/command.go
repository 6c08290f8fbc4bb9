// Package eapi 实现 Arista eAPI 的 JSON-RPC 会话层：
// 把一批 CLI 命令组装成单个 runCmds 请求，经 HTTP(S) 发送，
// 再把原始应答确定性地重建为逐命令结果，包括设备中途中止批次的部分失败语义。
package eapi

// Command eAPI 命令的统一抽象。命令有两种报文形态：
// 纯字符串，或携带输入载荷/修订版本的结构化对象。
// 无论哪种形态都必须能还原出规范命令串，供展示与错误定位使用。
type Command interface {
	// Cmd 返回命令的规范字符串形式
	Cmd() string
}

// SimpleCommand 纯字符串命令，如 "show version"，报文中就是一个 JSON 字符串
type SimpleCommand string

// Cmd 返回命令本身
func (c SimpleCommand) Cmd() string { return string(c) }

// ComplexCommand 结构化命令：命令本体加可选的输入载荷（如 enable 密码）
// 与可选的 API 修订版本。内容合法性不在此校验。
type ComplexCommand struct {
	Command  string `json:"cmd"`
	Input    string `json:"input,omitempty"`
	Revision int    `json:"revision,omitempty"`
}

// Cmd 返回命令本体
func (c ComplexCommand) Cmd() string { return c.Command }

// Commands 把字符串列表转换为命令列表
func Commands(cmds []string) []Command {
	out := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, SimpleCommand(c))
	}
	return out
}
