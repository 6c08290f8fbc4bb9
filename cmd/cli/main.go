package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// 批量采集提交工具：把命令行参数组装成批量请求提交到采集服务，
// 回显按行裁剪与折行后输出，便于人工核对采集结果。

// BatchDevice 批量请求中的设备参数，与服务端字段一致
type BatchDevice struct {
	DeviceIP        string   `json:"device_ip"`
	Port            int      `json:"port,omitempty"`
	DeviceName      string   `json:"device_name,omitempty"`
	DevicePlatform  string   `json:"device_platform,omitempty"`
	CollectProtocol string   `json:"collect_protocol,omitempty"`
	UserName        string   `json:"user_name"`
	Password        string   `json:"password"`
	EnablePassword  string   `json:"enable_password,omitempty"`
	UseTLS          *bool    `json:"use_tls,omitempty"`
	Format          string   `json:"format,omitempty"`
	CliList         []string `json:"cli_list,omitempty"`
}

// CustomerBatchRequest 自定义批量采集请求体
type CustomerBatchRequest struct {
	TaskID    string        `json:"task_id"`
	TaskName  string        `json:"task_name,omitempty"`
	RetryFlag *int          `json:"retry_flag,omitempty"`
	Timeout   *int          `json:"timeout,omitempty"`
	Devices   []BatchDevice `json:"devices"`
}

// SystemBatchRequest 系统批量采集请求体（命令集由平台插件决定）
type SystemBatchRequest struct {
	TaskID     string        `json:"task_id"`
	TaskName   string        `json:"task_name,omitempty"`
	RetryFlag  *int          `json:"retry_flag,omitempty"`
	Timeout    *int          `json:"timeout,omitempty"`
	DeviceList []BatchDevice `json:"device_list"`
}

// CommandResultView 服务端逐命令结果（解码用的最小字段集）
type CommandResultView struct {
	Command      string      `json:"command"`
	RawOutput    string      `json:"raw_output"`
	Output       interface{} `json:"output,omitempty"`
	FormatOutput interface{} `json:"format_output"`
	Error        string      `json:"error"`
	Success      bool        `json:"success"`
	Executed     bool        `json:"executed"`
	DurationMS   int64       `json:"duration_ms"`
}

// DeviceExecResult 服务端单设备采集结果
type DeviceExecResult struct {
	TaskID        string              `json:"task_id"`
	Success       bool                `json:"success"`
	Results       []CommandResultView `json:"results"`
	Error         string              `json:"error"`
	FailedCommand string              `json:"failed_command,omitempty"`
	DurationMS    int64               `json:"duration_ms"`
	Timestamp     string              `json:"timestamp"`
}

// APIResponse 批量接口响应
type APIResponse struct {
	Code    string             `json:"code"`
	Message string             `json:"message"`
	TaskID  string             `json:"task_id"`
	Data    []DeviceExecResult `json:"data"`
	Total   int                `json:"total"`
}

// CommandResultViewPrinted 输出用结构，追加折行后的回显
type CommandResultViewPrinted struct {
	Command        string      `json:"command"`
	RawOutput      string      `json:"raw_output"`
	RawOutputLines []string    `json:"raw_output_lines"`
	Output         interface{} `json:"output,omitempty"`
	FormatOutput   interface{} `json:"format_output"`
	Error          string      `json:"error"`
	Success        bool        `json:"success"`
	Executed       bool        `json:"executed"`
	DurationMS     int64       `json:"duration_ms"`
}

// DeviceExecResultPrinted 输出用单设备结果
type DeviceExecResultPrinted struct {
	TaskID        string                     `json:"task_id"`
	Success       bool                       `json:"success"`
	Results       []CommandResultViewPrinted `json:"results"`
	Error         string                     `json:"error"`
	FailedCommand string                     `json:"failed_command,omitempty"`
	DurationMS    int64                      `json:"duration_ms"`
	Timestamp     string                     `json:"timestamp"`
}

// APIResponsePrinted 输出用响应
type APIResponsePrinted struct {
	Code    string                    `json:"code"`
	Message string                    `json:"message"`
	TaskID  string                    `json:"task_id"`
	Data    []DeviceExecResultPrinted `json:"data"`
	Total   int                       `json:"total"`
}

var (
	serverBase  string
	httpTimeout int
	outFile     string
	lineLimit   int
	wrapWidth   int

	payloadFile    string
	taskID         string
	taskName       string
	retryFlag      int
	taskTimeout    int
	deviceIPs      []string
	devicePort     int
	deviceName     string
	devicePlatform string
	userName       string
	password       string
	enablePassword string
	useTLS         bool
	outputFormat   string
	cliList        []string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collector-cli",
		Short: "eAPI Collector batch client",
		Long:  "批量采集提交工具：构造批量请求提交到采集服务并整理输出",
	}
	rootCmd.PersistentFlags().StringVar(&serverBase, "server", "http://localhost:18000", "Server base URL")
	rootCmd.PersistentFlags().IntVar(&httpTimeout, "http-timeout", 120, "HTTP client timeout seconds")
	rootCmd.PersistentFlags().StringVar(&outFile, "out", "", "Optional output file to write pretty JSON")
	rootCmd.PersistentFlags().IntVar(&lineLimit, "limit", 20, "Max lines per command raw_output in printed JSON")
	rootCmd.PersistentFlags().IntVar(&wrapWidth, "wrap-width", 100, "Auto wrap width per line in raw_output_lines")

	customCmd := &cobra.Command{
		Use:   "custom",
		Short: "Submit a custom batch (devices carry their own cli_list)",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := buildPayload(false)
			if err != nil {
				return err
			}
			return postAndPrint("/api/v1/collector/batch/custom", body)
		},
	}
	addDeviceFlags(customCmd)
	customCmd.Flags().StringArrayVar(&cliList, "cli", []string{"show version", "show hostname"}, "Command to run (repeatable)")

	systemCmd := &cobra.Command{
		Use:   "system",
		Short: "Submit a system batch (command set comes from the platform plugin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := buildPayload(true)
			if err != nil {
				return err
			}
			return postAndPrint("/api/v1/collector/batch/system", body)
		},
	}
	addDeviceFlags(systemCmd)

	statusCmd := &cobra.Command{
		Use:   "status <task_id>",
		Short: "Query status of a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint("/api/v1/collector/task/" + args[0] + "/status")
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show collector runtime stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint("/api/v1/collector/stats")
		},
	}

	rootCmd.AddCommand(customCmd, systemCmd, statusCmd, statsCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// addDeviceFlags 批量接口共享的设备与任务参数
func addDeviceFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&payloadFile, "payload", "", "Optional JSON file path to override built payload")
	cmd.Flags().StringVar(&taskID, "task-id", fmt.Sprintf("cli-%d", time.Now().Unix()), "Task ID")
	cmd.Flags().StringVar(&taskName, "task-name", "cli-batch", "Task name")
	cmd.Flags().IntVar(&retryFlag, "retry", 1, "Transport retry count")
	cmd.Flags().IntVar(&taskTimeout, "timeout", 30, "Per-device task timeout seconds")
	cmd.Flags().StringArrayVar(&deviceIPs, "device", []string{"127.0.0.1"}, "Device IP (repeatable, shares credentials)")
	cmd.Flags().IntVar(&devicePort, "port", 9543, "eAPI port (0 = scheme default)")
	cmd.Flags().StringVar(&deviceName, "device-name", "", "Device name (defaults to IP)")
	cmd.Flags().StringVar(&devicePlatform, "platform", "arista_eos", "Device platform")
	cmd.Flags().StringVar(&userName, "username", "admin", "eAPI username")
	cmd.Flags().StringVar(&password, "password", "arista", "eAPI password")
	cmd.Flags().StringVar(&enablePassword, "enable-password", "", "Optional enable/privileged password")
	cmd.Flags().BoolVar(&useTLS, "use-tls", false, "Use https towards devices")
	cmd.Flags().StringVar(&outputFormat, "format", "", "Output encoding override: json | text")
}

// buildPayload 从命令行参数构造批量请求体；--payload 指定时直接读文件
func buildPayload(system bool) ([]byte, error) {
	if payloadFile != "" {
		body, err := os.ReadFile(payloadFile)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		return body, nil
	}

	devices := make([]BatchDevice, 0, len(deviceIPs))
	for _, ip := range deviceIPs {
		ip = strings.TrimSpace(ip)
		if ip == "" {
			continue
		}
		name := deviceName
		if name == "" {
			name = ip
		}
		tls := useTLS
		dev := BatchDevice{
			DeviceIP:        ip,
			Port:            devicePort,
			DeviceName:      name,
			DevicePlatform:  devicePlatform,
			CollectProtocol: "eapi",
			UserName:        userName,
			Password:        password,
			EnablePassword:  enablePassword,
			UseTLS:          &tls,
			Format:          outputFormat,
		}
		if !system {
			dev.CliList = cliList
		}
		devices = append(devices, dev)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no devices given, use --device or --payload")
	}

	rf := retryFlag
	to := taskTimeout
	if system {
		return json.Marshal(SystemBatchRequest{
			TaskID:     taskID,
			TaskName:   taskName,
			RetryFlag:  &rf,
			Timeout:    &to,
			DeviceList: devices,
		})
	}
	return json.Marshal(CustomerBatchRequest{
		TaskID:    taskID,
		TaskName:  taskName,
		RetryFlag: &rf,
		Timeout:   &to,
		Devices:   devices,
	})
}

func postAndPrint(path string, body []byte) error {
	url := strings.TrimRight(serverBase, "/") + path
	client := &http.Client{Timeout: time.Duration(httpTimeout) * time.Second}

	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d\n%s", resp.StatusCode, string(respBody))
	}

	// 解码响应并对回显做行裁剪与折行
	var out APIResponse
	if err = json.Unmarshal(respBody, &out); err != nil {
		// 结构不匹配时原样输出
		fmt.Println(string(respBody))
		return nil
	}

	printed := APIResponsePrinted{Code: out.Code, Message: out.Message, TaskID: out.TaskID, Total: out.Total}
	printed.Data = make([]DeviceExecResultPrinted, 0, len(out.Data))
	for _, d := range out.Data {
		pr := DeviceExecResultPrinted{
			TaskID:        d.TaskID,
			Success:       d.Success,
			Error:         d.Error,
			FailedCommand: d.FailedCommand,
			DurationMS:    d.DurationMS,
			Timestamp:     d.Timestamp,
		}
		pr.Results = make([]CommandResultViewPrinted, 0, len(d.Results))
		for _, r := range d.Results {
			pr.Results = append(pr.Results, CommandResultViewPrinted{
				Command:        r.Command,
				RawOutput:      trimLines(r.RawOutput, lineLimit),
				RawOutputLines: buildWrappedLines(r.RawOutput, wrapWidth, lineLimit),
				Output:         r.Output,
				FormatOutput:   r.FormatOutput,
				Error:          r.Error,
				Success:        r.Success,
				Executed:       r.Executed,
				DurationMS:     r.DurationMS,
			})
		}
		printed.Data = append(printed.Data, pr)
	}

	return writePretty(printed)
}

func getAndPrint(path string) error {
	url := strings.TrimRight(serverBase, "/") + path
	client := &http.Client{Timeout: time.Duration(httpTimeout) * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d\n%s", resp.StatusCode, string(respBody))
	}

	var v interface{}
	if err := json.Unmarshal(respBody, &v); err != nil {
		fmt.Println(string(respBody))
		return nil
	}
	return writePretty(v)
}

func writePretty(v interface{}) error {
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pretty json: %w", err)
	}
	if outFile != "" {
		if err := os.WriteFile(outFile, pretty, 0644); err != nil {
			return fmt.Errorf("write output file: %w", err)
		}
		fmt.Printf("Wrote output to %s\n", outFile)
		return nil
	}
	fmt.Println(string(pretty))
	return nil
}

func trimLines(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	// Normalize CRLF to LF
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	if len(lines) <= limit {
		return s
	}
	return strings.Join(lines[:limit], "\n")
}

// wrap a single line by rune count width
func wrapLineByRune(s string, width int) []string {
	if width <= 0 || len(s) == 0 {
		return []string{s}
	}
	rs := []rune(s)
	out := make([]string, 0, (len(rs)/width)+1)
	for i := 0; i < len(rs); i += width {
		end := i + width
		if end > len(rs) {
			end = len(rs)
		}
		out = append(out, string(rs[i:end]))
	}
	return out
}

// build wrapped lines from raw output with overall line limit
func buildWrappedLines(raw string, width int, limit int) []string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")
	lines := strings.Split(raw, "\n")
	out := make([]string, 0, limit)
	for _, ln := range lines {
		parts := wrapLineByRune(ln, width)
		for _, p := range parts {
			out = append(out, p)
			if limit > 0 && len(out) >= limit {
				return out[:limit]
			}
		}
	}
	return out
}
