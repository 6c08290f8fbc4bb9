package eapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mustRequest 构造测试请求
func mustRequest(t *testing.T, cmds []string, opts *RequestOptions) *Request {
	t.Helper()
	req, err := NewRequest(Commands(cmds), opts)
	require.NoError(t, err, "构造请求不应失败")
	return req
}

// successBody 构造成功应答报文
func successBody(t *testing.T, id interface{}, elems ...interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  elems,
	})
	require.NoError(t, err)
	return body
}

// errorBody 构造失败应答报文
func errorBody(t *testing.T, id interface{}, code int, message string, data ...interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
			"data":    data,
		},
	})
	require.NoError(t, err)
	return body
}

func TestParseResponseOrdering(t *testing.T) {
	// 成功批次：N 条命令重建出 N 条结果，顺序与命令一致
	req := mustRequest(t, []string{"show version", "show hostname", "show clock"}, nil)
	body := successBody(t, req.ID,
		map[string]interface{}{"version": "4.31.2F"},
		map[string]interface{}{"hostname": "leaf1"},
		map[string]interface{}{"clock": "2024"},
	)

	resp, err := ParseResponse(body, req)
	require.NoError(t, err)
	assert.True(t, resp.Success(), "没有批次错误码时应判定成功")
	assert.NoError(t, resp.Err(), "成功批次不应携带批次错误")
	assert.Equal(t, req.ID, resp.RequestID, "应回显请求标识")

	results := resp.Results()
	require.Len(t, results, 3, "结果条数应等于命令条数")
	assert.Equal(t, "show version", results[0].Command)
	assert.Equal(t, "show hostname", results[1].Command)
	assert.Equal(t, "show clock", results[2].Command)
	for i, res := range results {
		assert.True(t, res.Success, "第 %d 条命令应成功", i)
		assert.True(t, res.Executed, "第 %d 条命令应已执行", i)
	}
	assert.Equal(t, map[string]interface{}{"hostname": "leaf1"}, results[1].Output)
}

func TestParseResponsePartialFailure(t *testing.T) {
	// 场景：三条命令，第二条失败中止批次，data 只有两个元素
	req := mustRequest(t, []string{"show version", "bad cmd", "show clock"}, nil)
	require.True(t, req.StopOnError, "默认应为失败即停")

	body := errorBody(t, req.ID, 1002, "CLI command 2 of 3 'bad cmd' failed: invalid command",
		map[string]interface{}{"version": "4.31.2F"},
		map[string]interface{}{"errors": []string{"Invalid input (at token 0: 'bad')"}},
	)

	resp, err := ParseResponse(body, req)
	require.NoError(t, err, "批次失败不是解析错误")
	assert.False(t, resp.Success(), "携带批次错误码时应判定失败")
	assert.Equal(t, 1002, resp.ErrorCode)
	assert.Equal(t, "CLI command 2 of 3 'bad cmd' failed: invalid command", resp.ErrorMessage)

	results := resp.Results()
	require.Len(t, results, 3, "未执行的命令也应有占位结果")

	// 下标 0：失败点之前，正常重建
	assert.True(t, results[0].Success)
	assert.True(t, results[0].Executed)
	assert.Equal(t, map[string]interface{}{"version": "4.31.2F"}, results[0].Output)

	// 下标 1：失败命令，有错误详情没有输出
	assert.False(t, results[1].Success)
	assert.True(t, results[1].Executed, "失败命令本身是被执行过的")
	assert.Nil(t, results[1].Output, "失败命令不应有输出")
	assert.Equal(t, []string{"Invalid input (at token 0: 'bad')"}, results[1].Errors)

	// 下标 2：未被执行，哨兵错误
	assert.False(t, results[2].Success)
	assert.False(t, results[2].Executed, "中止后的命令应标记为未执行")
	assert.Nil(t, results[2].Output)
	assert.Equal(t, []string{notExecutedError}, results[2].Errors)

	// 批次错误：失败/已过/未执行 三段划分
	var cmdErr *CommandError
	require.ErrorAs(t, resp.Err(), &cmdErr)
	assert.Equal(t, "bad cmd", cmdErr.FailedCommand, "失败命令应取 data 数组最后一个元素对应的命令")
	assert.Equal(t, []string{"Invalid input (at token 0: 'bad')"}, cmdErr.Errors)
	assert.Equal(t, resp.ErrorMessage, cmdErr.Message)
	assert.Equal(t, resp.ErrorMessage, cmdErr.Error(), "批次错误的字符串形式就是设备错误描述")
	require.Len(t, cmdErr.Passed, 1)
	assert.Equal(t, "show version", cmdErr.Passed[0].Command)
	require.Len(t, cmdErr.NotExecuted, 1)
	assert.Equal(t, "show clock", cmdErr.NotExecuted[0].Cmd())
}

func TestParseResponseLastOfDataIsFailure(t *testing.T) {
	// data 数组长度为 k 时，下标 k-1 的元素永远判定为失败命令
	cmds := []string{"cmd a", "cmd b", "cmd c", "cmd d"}
	for k := 1; k <= len(cmds); k++ {
		req := mustRequest(t, cmds, nil)
		data := make([]interface{}, 0, k)
		for i := 0; i < k-1; i++ {
			data = append(data, map[string]interface{}{"ok": true})
		}
		data = append(data, map[string]interface{}{"errors": []string{"boom"}})

		resp, err := ParseResponse(errorBody(t, req.ID, 1000, "failed", data...), req)
		require.NoError(t, err)

		var cmdErr *CommandError
		require.ErrorAs(t, resp.Err(), &cmdErr)
		assert.Equal(t, cmds[k-1], cmdErr.FailedCommand, "k=%d 时失败命令应是 data 的最后一个元素", k)
		assert.Len(t, cmdErr.Passed, k-1)
		assert.Len(t, cmdErr.NotExecuted, len(cmds)-k)
	}
}

func TestParseResponseTextPassthrough(t *testing.T) {
	// 非 JSON 字符串载荷原样透传，合法 JSON 字符串解码为结构
	req := mustRequest(t, []string{"show version", "show clock"}, nil)
	body := successBody(t, req.ID,
		"Arista vEOS\nSoftware image version: 4.31.2F",
		`{"a":1}`,
	)

	resp, err := ParseResponse(body, req)
	require.NoError(t, err)

	res0, ok := resp.Result(0)
	require.True(t, ok)
	assert.Equal(t, "Arista vEOS\nSoftware image version: 4.31.2F", res0.Output,
		"非 JSON 文本应原样保留")
	assert.True(t, res0.Success, "文本透传不是错误")
	assert.Empty(t, res0.Errors)

	res1, ok := resp.Result(1)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"a": float64(1)}, res1.Output,
		"合法 JSON 字符串应解码为等价结构")
}

func TestParseResponseFormatDispatch(t *testing.T) {
	payload := map[string]interface{}{"output": "X"}

	// text 格式解包 output 字段
	reqText := mustRequest(t, []string{"show version"}, &RequestOptions{Format: FormatText})
	respText, err := ParseResponse(successBody(t, reqText.ID, payload), reqText)
	require.NoError(t, err)
	resText, _ := respText.Result(0)
	assert.Equal(t, "X", resText.Output, "text 格式应解包 output 字段")

	// json 格式不解包
	reqJSON := mustRequest(t, []string{"show version"}, &RequestOptions{Format: FormatJSON})
	respJSON, err := ParseResponse(successBody(t, reqJSON.ID, payload), reqJSON)
	require.NoError(t, err)
	resJSON, _ := respJSON.Result(0)
	assert.Equal(t, map[string]interface{}{"output": "X"}, resJSON.Output,
		"json 格式不应解包 output 字段")

	// text 格式但对象没有 output 字段：对象整体作为输出
	respNoOut, err := ParseResponse(successBody(t, reqText.ID, map[string]interface{}{"k": "v"}), reqText)
	require.NoError(t, err)
	resNoOut, _ := respNoOut.Result(0)
	assert.Equal(t, map[string]interface{}{"k": "v"}, resNoOut.Output)
}

func TestParseResponseTimestamps(t *testing.T) {
	payload := map[string]interface{}{
		"field": 1,
		"_meta": map[string]interface{}{"execStartTime": 100.0, "execDuration": 0.01},
	}

	// 请求了时间戳：提取到 Result 且 _meta 从输出中移除
	req := mustRequest(t, []string{"show version"}, &RequestOptions{Timestamps: true})
	resp, err := ParseResponse(successBody(t, req.ID, payload), req)
	require.NoError(t, err)
	res, _ := resp.Result(0)
	assert.Equal(t, map[string]interface{}{"field": float64(1)}, res.Output,
		"_meta 不应残留在输出中")
	assert.Equal(t, 100.0, res.StartTime)
	assert.Equal(t, 0.01, res.Duration)

	// 未请求时间戳：载荷里即使有 _meta 也不提取
	payload2 := map[string]interface{}{
		"field": 1,
		"_meta": map[string]interface{}{"execStartTime": 100.0, "execDuration": 0.01},
	}
	reqNo := mustRequest(t, []string{"show version"}, nil)
	respNo, err := ParseResponse(successBody(t, reqNo.ID, payload2), reqNo)
	require.NoError(t, err)
	resNo, _ := respNo.Result(0)
	assert.Zero(t, resNo.StartTime, "未请求时间戳时不应提取开始时间")
	assert.Zero(t, resNo.Duration, "未请求时间戳时不应提取耗时")
}

func TestParseResponseStringPayloadWithFailure(t *testing.T) {
	// 失败 data 混合形态：已序列化 JSON 字符串 + errors 对象
	req := mustRequest(t, []string{"show a", "show b"}, nil)
	body := errorBody(t, req.ID, 1002, "CLI command 2 of 2 'show b' failed",
		`{"a":1}`,
		map[string]interface{}{"errors": []string{"bad"}},
	)

	resp, err := ParseResponse(body, req)
	require.NoError(t, err)

	res0, _ := resp.Result(0)
	assert.Equal(t, map[string]interface{}{"a": float64(1)}, res0.Output,
		"字符串载荷中的 JSON 应被解码")
	assert.True(t, res0.Success)

	res1, _ := resp.Result(1)
	assert.False(t, res1.Success)
	assert.Equal(t, []string{"bad"}, res1.Errors)

	var cmdErr *CommandError
	require.ErrorAs(t, resp.Err(), &cmdErr)
	assert.Equal(t, "show b", cmdErr.FailedCommand)
}

func TestParseResponseEmptyFailureData(t *testing.T) {
	// 设备没有附带命令数据的批次失败：全部命令按未执行补齐
	req := mustRequest(t, []string{"show a", "show b"}, nil)
	resp, err := ParseResponse(errorBody(t, req.ID, -32602, "Invalid params"), req)
	require.NoError(t, err)

	assert.False(t, resp.Success())
	results := resp.Results()
	require.Len(t, results, 2)
	for _, res := range results {
		assert.False(t, res.Executed)
		assert.Equal(t, []string{notExecutedError}, res.Errors)
	}

	var cmdErr *CommandError
	require.ErrorAs(t, resp.Err(), &cmdErr)
	assert.Empty(t, cmdErr.FailedCommand, "无命令数据时无法定位失败命令")
	assert.Equal(t, []string{"Invalid params"}, cmdErr.Errors)
	assert.Len(t, cmdErr.NotExecuted, 2)
	assert.Empty(t, cmdErr.Passed)
}

func TestParseResponseRequestIDForms(t *testing.T) {
	req := mustRequest(t, []string{"show version"}, nil)

	resp, err := ParseResponse(successBody(t, "abc-123", map[string]interface{}{}), req)
	require.NoError(t, err)
	assert.Equal(t, "abc-123", resp.RequestID)

	resp, err = ParseResponse(successBody(t, 42, map[string]interface{}{}), req)
	require.NoError(t, err)
	assert.Equal(t, "42", resp.RequestID, "数字形式的 id 应转成十进制字符串")
}

func TestParseResponseMalformedBody(t *testing.T) {
	req := mustRequest(t, []string{"show version"}, nil)
	_, err := ParseResponse([]byte("not json at all"), req)
	assert.Error(t, err, "报文不可解析才是 ParseResponse 的错误")

	var cmdErr *CommandError
	assert.False(t, errors.As(err, &cmdErr), "报文错误不应是批次错误")
}

func TestParseResponseNonObjectPayload(t *testing.T) {
	// 数组与数字载荷原样保存
	req := mustRequest(t, []string{"show a", "show b"}, nil)
	body := successBody(t, req.ID, []interface{}{"x", "y"}, 7)

	resp, err := ParseResponse(body, req)
	require.NoError(t, err)

	res0, _ := resp.Result(0)
	assert.Equal(t, []interface{}{"x", "y"}, res0.Output)
	res1, _ := resp.Result(1)
	assert.Equal(t, float64(7), res1.Output)
}

func TestParseResponseExcessPayload(t *testing.T) {
	// 载荷条数多于命令条数时按命令条数截断
	req := mustRequest(t, []string{"show version"}, nil)
	body := successBody(t, req.ID,
		map[string]interface{}{"a": 1},
		map[string]interface{}{"b": 2},
	)

	resp, err := ParseResponse(body, req)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Len(), "结果条数不应超过命令条数")
}

func TestResultsOrderIndependentOfMapOrder(t *testing.T) {
	// Results 的顺序由命令下标决定，与 map 遍历顺序无关；
	// 用较多命令构造，降低 map 偶然有序的概率。
	n := 32
	cmds := make([]string, 0, n)
	elems := make([]interface{}, 0, n)
	for i := 0; i < n; i++ {
		cmds = append(cmds, fmt.Sprintf("show slot %d", i))
		elems = append(elems, map[string]interface{}{"slot": float64(i)})
	}
	req := mustRequest(t, cmds, nil)
	resp, err := ParseResponse(successBody(t, req.ID, elems...), req)
	require.NoError(t, err)

	results := resp.Results()
	require.Len(t, results, n)
	for i, res := range results {
		assert.Equal(t, cmds[i], res.Command, "第 %d 条结果应对应第 %d 条命令", i, i)
		assert.Equal(t, map[string]interface{}{"slot": float64(i)}, res.Output)
	}
}
