package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eapicollectorpro/eapicollectorpro/internal/config"
	"github.com/eapicollectorpro/eapicollectorpro/pkg/eapi"
)

// ExecRequest 执行器输入参数（设备连接信息与 eAPI 参数）
type ExecRequest struct {
	DeviceIP        string
	Port            int
	DeviceName      string
	DevicePlatform  string
	CollectProtocol string // eapi
	UserName        string
	Password        string
	EnablePassword  string
	// UseTLS 为 nil 时沿用全局 eapi.use_tls
	UseTLS *bool
	// Format 请求级输出格式覆盖：json | text
	Format     string
	TimeoutSec int
	// RequestID 任务标识，回显在 JSON-RPC 请求 id 中便于设备侧对账
	RequestID string
}

// commandRun 一段连续的同格式命令。混合格式的批次按此切分后逐段下发，
// 段内与段间都保持原始命令顺序。
type commandRun struct {
	format eapi.Format
	cmds   []string
}

// ExecAdapter 把采集请求适配为 eapi.Device 的批量执行
type ExecAdapter struct {
	cfg *config.Config
}

func NewExecAdapter(cfg *config.Config) *ExecAdapter {
	return &ExecAdapter{cfg: cfg}
}

// Execute 执行命令批次。返回的结果与 userCommands 一一对应且顺序一致。
// 设备中止批次时结果仍然完整（含失败命令与未执行占位），并伴随
// *eapi.CommandError；传输层错误原样上抛且不产生结果，调用方据此
// 区分可重试与不可重试的失败。
func (a *ExecAdapter) Execute(ctx context.Context, req *ExecRequest, userCommands []string) ([]*eapi.Result, error) {
	if strings.TrimSpace(req.CollectProtocol) == "" {
		req.CollectProtocol = "eapi"
	}
	if strings.ToLower(req.CollectProtocol) != "eapi" {
		return nil, fmt.Errorf("unsupported protocol: %s", req.CollectProtocol)
	}
	if len(userCommands) == 0 {
		return nil, eapi.ErrNoCommands
	}

	pd, _ := a.cfg.PlatformDefaults(req.DevicePlatform)
	device := a.newDevice(req, pd)

	// 输出格式逐级回落：请求级 → 平台级 → 全局默认
	baseFormat := resolveFormat(req.Format, pd.Format, a.cfg.Eapi.Format)
	runs := splitRuns(userCommands, baseFormat, pd.TextCommands)

	// 任务超时控制
	effTimeout := time.Duration(req.TimeoutSec) * time.Second
	if effTimeout <= 0 {
		effTimeout = time.Duration(pd.TimeoutSec) * time.Second
	}
	if effTimeout <= 0 {
		effTimeout = a.cfg.Eapi.Timeout
	}
	if effTimeout <= 0 {
		effTimeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, effTimeout)
	defer cancel()

	results := make([]*eapi.Result, 0, len(userCommands))
	for i, run := range runs {
		runResults, err := a.executeRun(execCtx, device, req, pd, run, runID(req.RequestID, i, len(runs)))
		results = append(results, runResults...)
		if err == nil {
			continue
		}
		var cmdErr *eapi.CommandError
		if !errors.As(err, &cmdErr) {
			return nil, err
		}
		// 设备中止了当前分段，后续分段不再下发，命令全部补为未执行
		for _, later := range runs[i+1:] {
			for _, c := range later.cmds {
				results = append(results, eapi.NotExecuted(c))
				cmdErr.NotExecuted = append(cmdErr.NotExecuted, eapi.SimpleCommand(c))
			}
		}
		// 任务级视角下，失败点之前已执行的命令包含前序分段
		passed := make([]*eapi.Result, 0, len(results))
		for _, r := range results {
			if r.Executed && r.Success {
				passed = append(passed, r)
			}
		}
		cmdErr.Passed = passed
		return results, cmdErr
	}
	return results, nil
}

// executeRun 下发一个分段。需要特权提升时按 pyeapi 约定把 enable
// 作为批次首条命令携带口令下发，其结果不计入用户命令视图。
func (a *ExecAdapter) executeRun(ctx context.Context, device *eapi.Device, req *ExecRequest, pd config.PlatformDefaultsConfig, run commandRun, id string) ([]*eapi.Result, error) {
	cmds := make([]eapi.Command, 0, len(run.cmds)+1)
	offset := 0
	if pwd := strings.TrimSpace(req.EnablePassword); pwd != "" {
		cmds = append(cmds, eapi.ComplexCommand{Command: "enable", Input: pwd})
		offset = 1
	}
	for _, c := range run.cmds {
		cmds = append(cmds, eapi.SimpleCommand(c))
	}

	eReq, err := eapi.NewRequest(cmds, &eapi.RequestOptions{
		ID:            id,
		Version:       eapi.Version(pd.Version),
		Format:        run.format,
		Timestamps:    pd.Timestamps || a.cfg.Eapi.Timestamps,
		AutoComplete:  a.cfg.Eapi.AutoComplete,
		ExpandAliases: a.cfg.Eapi.ExpandAliases,
	})
	if err != nil {
		return nil, err
	}

	resp, err := device.Execute(ctx, eReq)
	if err != nil {
		return nil, err
	}
	outputs := resp.Results()
	if offset > 0 && len(outputs) >= offset {
		outputs = outputs[offset:]
	}
	return outputs, resp.Err()
}

// newDevice 组装 eAPI 设备客户端，端口与 TLS 按请求级、平台级、全局级回落
func (a *ExecAdapter) newDevice(req *ExecRequest, pd config.PlatformDefaultsConfig) *eapi.Device {
	port := req.Port
	if port < 1 || port > 65535 {
		port = pd.Port
	}
	if port < 1 || port > 65535 {
		port = a.cfg.Eapi.Port
	}
	if port < 1 || port > 65535 {
		// 为 0 时由客户端按协议取默认端口
		port = 0
	}
	useTLS := a.cfg.Eapi.UseTLS
	if req.UseTLS != nil {
		useTLS = *req.UseTLS
	}
	return eapi.NewDevice(&eapi.DeviceConfig{
		Host:               req.DeviceIP,
		Port:               port,
		Username:           req.UserName,
		Password:           req.Password,
		UseTLS:             useTLS,
		InsecureSkipVerify: a.cfg.Eapi.InsecureSkipVerify,
		Timeout:            a.cfg.Eapi.Timeout,
	})
}

// splitRuns 按输出格式把命令切成连续分段。命中 text_commands 前缀的命令
// 强制 text 编码（设备对这类命令没有 JSON 转换），其余沿用基础格式。
func splitRuns(commands []string, base eapi.Format, textPrefixes []string) []commandRun {
	runs := make([]commandRun, 0, 2)
	for _, c := range commands {
		f := base
		if isTextOnly(c, textPrefixes) {
			f = eapi.FormatText
		}
		if n := len(runs); n > 0 && runs[n-1].format == f {
			runs[n-1].cmds = append(runs[n-1].cmds, c)
			continue
		}
		runs = append(runs, commandRun{format: f, cmds: []string{c}})
	}
	return runs
}

// isTextOnly 命令是否命中强制 text 前缀（大小写不敏感）
func isTextOnly(cmd string, prefixes []string) bool {
	c := strings.ToLower(strings.TrimSpace(cmd))
	for _, p := range prefixes {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.HasPrefix(c, p) {
			return true
		}
	}
	return false
}

// resolveFormat 返回第一个合法的格式取值，全部未命中时取 json
func resolveFormat(candidates ...string) eapi.Format {
	for _, c := range candidates {
		switch strings.ToLower(strings.TrimSpace(c)) {
		case "json":
			return eapi.FormatJSON
		case "text":
			return eapi.FormatText
		}
	}
	return eapi.FormatJSON
}

// runID 多分段下发时为每段生成可区分的请求 ID
func runID(base string, idx, total int) string {
	if base == "" || total <= 1 {
		return base
	}
	return fmt.Sprintf("%s-%d", base, idx+1)
}
