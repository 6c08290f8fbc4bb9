package eapi

// Result 单条命令的执行结果，重建完成后不再修改
type Result struct {
	// Command 命令的规范字符串
	Command string `json:"command"`
	// Output 命令输出。json 格式下是解码后的结构，text 格式下是字符串；
	// 命令失败或未被执行时为 nil。
	Output interface{} `json:"output,omitempty"`
	// Errors 命令失败时设备给出的错误详情
	Errors []string `json:"errors,omitempty"`
	// Success 命令是否执行成功
	Success bool `json:"success"`
	// Executed 命令是否被设备执行。批次因前序命令失败而中止时，
	// 后续命令的该字段为 false。
	Executed bool `json:"executed"`
	// StartTime 命令开始执行的 Unix 时间（秒），仅在请求了时间戳且设备返回时非零
	StartTime float64 `json:"start_time,omitempty"`
	// Duration 命令执行耗时（秒），仅在请求了时间戳且设备返回时非零
	Duration float64 `json:"duration,omitempty"`
}

// NotExecuted 构造未执行命令的占位结果，供批次因前序失败中止时补齐
func NotExecuted(command string) *Result {
	return &Result{
		Command: command,
		Errors:  []string{notExecutedError},
	}
}
