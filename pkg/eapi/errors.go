package eapi

import (
	"errors"
	"fmt"
)

// ErrNoCommands 调用方没有提供任何命令。属参数错误，在任何网络 I/O 之前返回。
var ErrNoCommands = errors.New("eapi: no commands to execute")

// CommandError 批次执行失败。携带完整的批次上下文：
// 哪条命令触发中止、该命令的错误详情、失败点之前已完成的结果、
// 失败点之后从未被执行的原始命令。
type CommandError struct {
	// FailedCommand 触发批次中止的命令。协议保证失败应答的 data 数组
	// 只覆盖到被中止的那条命令为止，所以它一定是数组的最后一个元素。
	FailedCommand string
	// Errors 设备给出的该命令错误详情
	Errors []string
	// Message 设备给出的批次级错误描述
	Message string
	// Passed 失败点之前已执行命令的结果，保持命令顺序
	Passed []*Result
	// NotExecuted 失败点之后未被执行的原始命令，保持命令顺序
	NotExecuted []Command
}

// Error 返回设备的错误描述本身，调用方直接用作失败摘要
func (e *CommandError) Error() string { return e.Message }

// StatusError 非 2xx 的 HTTP 应答。按传输层原样向上传递，不做包装。
type StatusError struct {
	StatusCode int
	Status     string
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("eapi: unexpected http status %s", e.Status)
}
