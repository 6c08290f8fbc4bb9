package eapi

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/eapicollectorpro/eapicollectorpro/pkg/logger"
)

// notExecutedError 因前序命令失败而未被执行的命令的哨兵错误
const notExecutedError = "command not executed due to previous error"

// Response 一次批量执行的重建结果
type Response struct {
	// RequestID 设备回显的请求标识
	RequestID string
	// ErrorCode 批次级错误码，0 表示没有批次级错误
	ErrorCode int
	// ErrorMessage 批次级错误描述，与 ErrorCode 同时出现
	ErrorMessage string

	results map[int]*Result
	err     *CommandError
}

// Success 批次是否整体成功，等价于没有批次级错误码
func (r *Response) Success() bool { return r.ErrorCode == 0 }

// Err 批次失败时返回 *CommandError，成功时返回 nil
func (r *Response) Err() error {
	if r.err == nil {
		return nil
	}
	return r.err
}

// Len 结果条数
func (r *Response) Len() int { return len(r.results) }

// Result 返回指定命令下标的结果
func (r *Response) Result(i int) (*Result, bool) {
	res, ok := r.results[i]
	return res, ok
}

// Results 按命令顺序返回全部结果，与底层存储的键序无关
func (r *Response) Results() []*Result {
	keys := make([]int, 0, len(r.results))
	for k := range r.results {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	out := make([]*Result, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.results[k])
	}
	return out
}

// rawReply JSON-RPC 应答报文
type rawReply struct {
	Jsonrpc string            `json:"jsonrpc"`
	ID      interface{}       `json:"id"`
	Result  []json.RawMessage `json:"result"`
	Error   *rawReplyError    `json:"error"`
}

// rawReplyError 批次失败时的错误对象，data 覆盖已尝试执行的命令
type rawReplyError struct {
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Data    []json.RawMessage `json:"data"`
}

// ParseResponse 根据原始应答与发起请求重建逐命令结果。
//
// 设备报告的批次失败不是本函数的 error：它体现在返回的 Response 上，
// 完整的失败上下文由 Response.Err() 携带，由上层决定返回还是抛出。
// error 仅在应答报文本身无法解析时返回。
func ParseResponse(raw []byte, req *Request) (*Response, error) {
	var reply rawReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("eapi: decode response body failed: %w", err)
	}

	resp := &Response{
		RequestID: replyID(reply.ID),
		results:   make(map[int]*Result, len(req.Commands)),
	}

	payload := reply.Result
	failed := reply.Error != nil
	if failed {
		resp.ErrorCode = reply.Error.Code
		resp.ErrorMessage = reply.Error.Message
		payload = reply.Error.Data
	}

	// 失败且失败即停时设备只返回已尝试命令的数据，条数可能少于请求
	executed := len(payload)
	if n := len(req.Commands); executed > n {
		executed = n
	}

	for i := 0; i < executed; i++ {
		resp.results[i] = buildResult(req, i, payload[i])
	}

	// 为未被执行的命令补齐占位结果
	if failed && req.StopOnError && executed < len(req.Commands) {
		for i := executed; i < len(req.Commands); i++ {
			resp.results[i] = NotExecuted(req.Commands[i].Cmd())
		}
	}

	if failed {
		resp.err = newCommandError(req, resp, executed)
	}
	return resp, nil
}

// buildResult 对单条命令的载荷元素做分类重建
func buildResult(req *Request, i int, elem json.RawMessage) *Result {
	res := &Result{
		Command:  req.Commands[i].Cmd(),
		Success:  true,
		Executed: true,
	}

	var val interface{}
	if err := json.Unmarshal(elem, &val); err != nil {
		// 协议上载荷元素必定是合法 JSON，万一不是就保留原文
		logger.Warnf("eapi: unparsable payload element for command %q, kept verbatim", res.Command)
		res.Output = string(elem)
		return res
	}

	// 字符串载荷：尝试按 JSON 解码；解码失败不是错误，
	// 设备给的就是文本，原样透传，只留一条告警日志。
	if s, ok := val.(string); ok {
		var decoded interface{}
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			logger.Warnf("eapi: output of %q is not json, passing through as text", res.Command)
			res.Output = s
			return res
		}
		if m, ok := decoded.(map[string]interface{}); ok && req.Timestamps {
			res.StartTime, res.Duration = extractMeta(m)
		}
		res.Output = decoded
		return res
	}

	obj, isObject := val.(map[string]interface{})
	if !isObject {
		// 数组、数字等其余 JSON 类型原样保存
		res.Output = val
		return res
	}

	if req.Timestamps {
		res.StartTime, res.Duration = extractMeta(obj)
	}

	// 带 errors 键的对象表示该命令执行失败，没有输出
	if errList, ok := obj["errors"]; ok {
		res.Success = false
		res.Errors = toStringList(errList)
		return res
	}

	// text 格式下设备把回显包在 output 字段里，解包成字符串；
	// json 格式或缺 output 字段时对象整体就是输出。
	if req.Format == FormatText {
		if out, ok := obj["output"]; ok {
			res.Output = out
			return res
		}
	}
	res.Output = obj
	return res
}

// extractMeta 取出载荷对象 _meta 里的执行时间并把 _meta 从输出中移除
func extractMeta(obj map[string]interface{}) (start, dur float64) {
	rawMeta, ok := obj["_meta"]
	if !ok {
		return 0, 0
	}
	delete(obj, "_meta")

	meta, ok := rawMeta.(map[string]interface{})
	if !ok {
		return 0, 0
	}
	if v, ok := meta["execStartTime"].(float64); ok {
		start = v
	}
	if v, ok := meta["execDuration"].(float64); ok {
		dur = v
	}
	return start, dur
}

// newCommandError 依据失败应答构造批次错误。
// 失败应答的 data 数组只覆盖到被中止的命令为止，
// 所以最后一个元素对应的命令就是触发中止的那条。
func newCommandError(req *Request, resp *Response, executed int) *CommandError {
	ce := &CommandError{Message: resp.ErrorMessage}

	if executed == 0 {
		// 设备没有附带任何命令数据，退化为只携带批次错误描述
		ce.Errors = []string{resp.ErrorMessage}
		ce.NotExecuted = append(ce.NotExecuted, req.Commands...)
		return ce
	}

	failedAt := executed - 1
	ce.FailedCommand = req.Commands[failedAt].Cmd()
	if res, ok := resp.results[failedAt]; ok {
		ce.Errors = res.Errors
	}
	for i := 0; i < failedAt; i++ {
		if res, ok := resp.results[i]; ok {
			ce.Passed = append(ce.Passed, res)
		}
	}
	for i := failedAt + 1; i < len(req.Commands); i++ {
		ce.NotExecuted = append(ce.NotExecuted, req.Commands[i])
	}
	return ce
}

// toStringList 错误详情按协议是字符串数组，这里容错其它形态
func toStringList(v interface{}) []string {
	switch list := v.(type) {
	case nil:
		return nil
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			} else {
				out = append(out, fmt.Sprintf("%v", item))
			}
		}
		return out
	case string:
		return []string{list}
	default:
		return []string{fmt.Sprintf("%v", v)}
	}
}

// replyID 应答中的 id 可能是字符串或数字，统一为字符串
func replyID(v interface{}) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		if id == float64(int64(id)) {
			return strconv.FormatInt(int64(id), 10)
		}
		return strconv.FormatFloat(id, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", id)
	}
}
