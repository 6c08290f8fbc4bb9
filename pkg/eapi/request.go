package eapi

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// runCmds 是 eAPI 唯一的批量执行方法名
const methodRunCmds = "runCmds"

// Request 一次批量执行请求。构造完成后不再修改；
// 命令顺序在整个请求/应答周期内保持不变，并决定结果的下标。
type Request struct {
	// ID 请求标识，设备会在应答中回显
	ID string
	// Version eAPI 版本选择器
	Version Version
	// Commands 待执行命令，顺序即执行顺序
	Commands []Command
	// Format 输出格式
	Format Format
	// Timestamps 要求设备随结果返回每条命令的执行时间
	Timestamps bool
	// AutoComplete 允许设备对缩写命令做自动补全
	AutoComplete bool
	// ExpandAliases 展开用户自定义别名
	ExpandAliases bool
	// StopOnError 命令失败后中止批次（协议默认行为）
	StopOnError bool
}

// RequestOptions 请求构造可选项，零值即协议默认
type RequestOptions struct {
	// ID 请求标识，留空时生成一个新的
	ID string
	// Version eAPI 版本，零值为 latest
	Version Version
	// Format 输出格式，留空为 json
	Format Format
	// Timestamps 返回每条命令的执行时间戳
	Timestamps bool
	// AutoComplete 命令自动补全
	AutoComplete bool
	// ExpandAliases 展开用户别名
	ExpandAliases bool
	// ContinueOnError 命令失败后继续执行后续命令
	ContinueOnError bool
}

// NewRequest 构造批量执行请求。命令列表不能为空。
func NewRequest(commands []Command, opts *RequestOptions) (*Request, error) {
	if len(commands) == 0 {
		return nil, ErrNoCommands
	}
	if opts == nil {
		opts = &RequestOptions{}
	}

	format := opts.Format
	if format == "" {
		format = FormatJSON
	}
	if !format.Valid() {
		return nil, fmt.Errorf("eapi: invalid output format %q", format)
	}
	if opts.Version < 0 {
		return nil, fmt.Errorf("eapi: invalid api version %d", opts.Version)
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	cmds := make([]Command, len(commands))
	copy(cmds, commands)

	return &Request{
		ID:            id,
		Version:       opts.Version,
		Commands:      cmds,
		Format:        format,
		Timestamps:    opts.Timestamps,
		AutoComplete:  opts.AutoComplete,
		ExpandAliases: opts.ExpandAliases,
		StopOnError:   !opts.ContinueOnError,
	}, nil
}

// requestParams runCmds 的参数对象
type requestParams struct {
	Version       Version   `json:"version"`
	Cmds          []Command `json:"cmds"`
	Format        Format    `json:"format"`
	Timestamps    bool      `json:"timestamps"`
	AutoComplete  bool      `json:"autoComplete"`
	ExpandAliases bool      `json:"expandAliases"`
	StopOnError   bool      `json:"stopOnError"`
}

// MarshalJSON 生成 JSON-RPC 2.0 报文。命令按各自形态原样写入 cmds。
func (r *Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Jsonrpc string        `json:"jsonrpc"`
		Method  string        `json:"method"`
		Params  requestParams `json:"params"`
		ID      string        `json:"id"`
	}{
		Jsonrpc: "2.0",
		Method:  methodRunCmds,
		Params: requestParams{
			Version:       r.Version,
			Cmds:          r.Commands,
			Format:        r.Format,
			Timestamps:    r.Timestamps,
			AutoComplete:  r.AutoComplete,
			ExpandAliases: r.ExpandAliases,
			StopOnError:   r.StopOnError,
		},
		ID: r.ID,
	})
}
