package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eapicollectorpro/eapicollectorpro/internal/config"
	"github.com/eapicollectorpro/eapicollectorpro/internal/model"
	"github.com/eapicollectorpro/eapicollectorpro/internal/util"
	"github.com/eapicollectorpro/eapicollectorpro/pkg/eapi"
	"github.com/eapicollectorpro/eapicollectorpro/pkg/events"
	"github.com/eapicollectorpro/eapicollectorpro/pkg/logger"
)

// DeployService 基于命名配置会话的配置下发与状态采集。
// 下发全程在会话内进行：推送配置行、查看差异、提交或放弃，
// 设备配置在提交前不会发生变化，dry_run 只取差异后放弃会话。
type DeployService struct {
	cfg       *config.Config
	collector *CollectorService
	exec      *ExecAdapter
}

func NewDeployService(cfg *config.Config, collector *CollectorService) *DeployService {
	return &DeployService{cfg: cfg, collector: collector, exec: NewExecAdapter(cfg)}
}

func (s *DeployService) Start(ctx context.Context) error { return nil }
func (s *DeployService) Stop() error                     { return nil }

// DeployFastRequest 通用请求
type DeployFastRequest struct {
	TaskID            string         `json:"task_id"`
	TaskName          string         `json:"task_name"`
	RetryFlag         int            `json:"retry_flag"`
	TaskType          string         `json:"task_type"` // exec/dry_run
	Timeout           int            `json:"timeout"`
	StatusCheckEnable int            `json:"status_check_enable"` // 1 开启/0 关闭
	Devices           []DeployDevice `json:"devices"`
}

// DeployDevice 设备参数
type DeployDevice struct {
	DeviceIP        string   `json:"device_ip"`
	DevicePort      int      `json:"device_port"`
	DeviceName      string   `json:"device_name"`
	DevicePlatform  string   `json:"device_platform"`
	CollectProtocol string   `json:"collect_protocol"`
	UserName        string   `json:"user_name"`
	Password        string   `json:"password"`
	EnablePassword  string   `json:"enable_password"`
	UseTLS          *bool    `json:"use_tls,omitempty"`
	StatusCheckList []string `json:"status_check_list"`
	ConfigDeploy    string   `json:"config_deploy"`
	// Replace 为真时整体替换会话内配置（先清空再推送），否则增量合并
	Replace bool `json:"replace,omitempty"`
}

// DeployFastResponse 返回每台设备的状态与下发结果
type DeployFastResponse struct {
	TaskID   string               `json:"task_id"`
	TaskName string               `json:"task_name"`
	Results  []DeployDeviceResult `json:"results"`
	Duration string               `json:"duration"`
}

// DeployDeviceResult 单设备结果
type DeployDeviceResult struct {
	DeviceIP           string            `json:"device_ip"`
	DeviceName         string            `json:"device_name"`
	DevicePlatform     string            `json:"device_platform"`
	SessionName        string            `json:"session_name,omitempty"`
	DeviceStatusBefore map[string]string `json:"device_status_before,omitempty"`
	DeviceStatusAfter  map[string]string `json:"device_status_after,omitempty"`
	// Diff 会话配置相对运行配置的差异文本，dry_run 模式的主要产出
	Diff                 string          `json:"diff,omitempty"`
	Committed            bool            `json:"committed"`
	DeployLogExec        []CommandResult `json:"deploy_log_exec"`
	DeployLogsAggregated []CommandResult `json:"deploy_logs_aggregated,omitempty"`
	Error                string          `json:"error,omitempty"`
}

// CommandResult 记录每条配置命令的执行结果
type CommandResult struct {
	Command  string `json:"command"`
	Output   string `json:"output"`
	Error    string `json:"error"`
	Elapsed  string `json:"elapsed"`
	ExitCode int    `json:"exit_code"`
}

// 规范化字符串：trim + toLower
func canonical(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func (s *DeployService) ExecuteFast(ctx context.Context, req *DeployFastRequest) (*DeployFastResponse, error) {
	start := time.Now()
	resp := &DeployFastResponse{Results: []DeployDeviceResult{}}
	if req != nil {
		resp.TaskID = req.TaskID
		resp.TaskName = req.TaskName
	}
	if req == nil || len(req.Devices) == 0 {
		return resp, nil
	}

	events.Publish(&events.TaskEvent{
		Event:    events.EventTaskStarted,
		TaskID:   req.TaskID,
		TaskType: model.TaskTypeDeploy,
		Status:   "running",
	})

	// 并发下发各设备，结果按设备序号回填
	out := make([]DeployDeviceResult, len(req.Devices))
	conc := s.cfg.Collector.Concurrent
	if conc <= 0 {
		conc = 1
	}
	sem := make(chan struct{}, conc)
	var g errgroup.Group
	for i := range req.Devices {
		idx := i
		dev := req.Devices[i]
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			out[idx] = s.deployDevice(ctx, req, dev)
			return nil
		})
	}
	_ = g.Wait()

	resp.Results = out
	resp.Duration = time.Since(start).String()

	taskEvent := &events.TaskEvent{
		Event:      events.EventTaskCompleted,
		TaskID:     req.TaskID,
		TaskType:   model.TaskTypeDeploy,
		Status:     "success",
		DurationMS: time.Since(start).Milliseconds(),
	}
	for _, r := range out {
		if r.Error != "" {
			taskEvent.Event = events.EventTaskFailed
			taskEvent.Status = "failed"
			taskEvent.Error = r.Error
			taskEvent.DeviceIP = r.DeviceIP
			break
		}
	}
	events.Publish(taskEvent)
	return resp, nil
}

// deployDevice 处理单台设备的完整下发流程：
// 前状态采集 -> 会话推送 -> 差异 -> 提交/放弃 -> 后状态采集
func (s *DeployService) deployDevice(ctx context.Context, req *DeployFastRequest, d DeployDevice) DeployDeviceResult {
	r := DeployDeviceResult{
		DeviceIP:             d.DeviceIP,
		DeviceName:           d.DeviceName,
		DevicePlatform:       d.DevicePlatform,
		DeviceStatusBefore:   map[string]string{},
		DeviceStatusAfter:    map[string]string{},
		DeployLogExec:        []CommandResult{},
		DeployLogsAggregated: []CommandResult{},
	}
	if strings.TrimSpace(d.DevicePlatform) == "" {
		d.DevicePlatform = "arista_eos"
		r.DevicePlatform = d.DevicePlatform
	}
	if proto := canonical(d.CollectProtocol); proto != "" && proto != "eapi" {
		r.Error = fmt.Sprintf("unsupported collect_protocol: %s", d.CollectProtocol)
		return r
	}

	statusEnable := req.StatusCheckEnable == 1 && s.collector != nil && len(d.StatusCheckList) > 0

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = int(s.cfg.Eapi.Timeout / time.Second)
	}
	if timeout <= 0 {
		timeout = 15
	}

	// 采集前状态
	if statusEnable {
		r.DeviceStatusBefore = s.collectStatus(ctx, req, d, "-pre-")
		s.deployWait()
	}

	// 下发序列：规整编码与换行，剥离配置模式包装命令
	deploySeq := s.buildDeploySequence(d.ConfigDeploy)
	if len(deploySeq) == 0 {
		r.Error = "config_deploy is empty"
		if statusEnable {
			r.DeviceStatusAfter = s.collectStatus(ctx, req, d, "-post-")
		}
		return r
	}

	pd, _ := s.cfg.PlatformDefaults(d.DevicePlatform)
	device := s.exec.newDevice(&ExecRequest{
		DeviceIP: d.DeviceIP,
		Port:     d.DevicePort,
		UserName: d.UserName,
		Password: d.Password,
		UseTLS:   d.UseTLS,
	}, pd)

	sessCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	prefix := strings.TrimSpace(s.cfg.Deploy.SessionPrefix)
	if prefix == "" {
		prefix = "deploy"
	}
	sess := device.ConfigSession(fmt.Sprintf("%s-%s", prefix, slug(req.TaskID)))
	r.SessionName = sess.Name()

	dryRun := canonical(req.TaskType) == "dry_run"
	pushErr := sess.Push(sessCtx, deploySeq, d.Replace)
	r.DeployLogExec = pushLogs(deploySeq, pushErr)

	if pushErr != nil {
		r.Error = "config push failed: " + pushErr.Error()
		s.abortSession(sessCtx, sess, d.DeviceName)
	} else {
		if diff, derr := sess.Diff(sessCtx); derr != nil {
			logger.Warn("Session diff failed", "device", d.DeviceName, "session", sess.Name(), "error", derr)
			if dryRun {
				r.Error = "session diff failed: " + derr.Error()
			}
		} else {
			r.Diff = diff
		}

		if dryRun {
			s.abortSession(sessCtx, sess, d.DeviceName)
		} else if timer := strings.TrimSpace(s.cfg.Deploy.CommitTimer); timer != "" {
			if cerr := sess.CommitTimer(sessCtx, timer); cerr != nil {
				r.Error = "commit timer failed: " + cerr.Error()
				s.abortSession(sessCtx, sess, d.DeviceName)
			} else {
				r.Committed = true
			}
		} else {
			if cerr := sess.Commit(sessCtx); cerr != nil {
				r.Error = "commit failed: " + cerr.Error()
				s.abortSession(sessCtx, sess, d.DeviceName)
			} else {
				r.Committed = true
			}
		}
	}

	// 组装聚合回显：逐条输出合并，配置命令通常回空对象，空时以差异文本代入
	agg := aggregateDeployLogs(deploySeq, r.DeployLogExec)
	if strings.TrimSpace(agg.Output) == "" {
		agg.Output = r.Diff
	}
	r.DeployLogsAggregated = []CommandResult{agg}

	// 采集后状态
	if statusEnable {
		s.deployWait()
		r.DeviceStatusAfter = s.collectStatus(ctx, req, d, "-post-")
	}
	return r
}

// collectStatus 通过采集服务抓取状态命令输出，suffix 为 -pre-/-post-
func (s *DeployService) collectStatus(ctx context.Context, req *DeployFastRequest, d DeployDevice, suffix string) map[string]string {
	out := map[string]string{}
	cTimeout := req.Timeout
	if cTimeout <= 0 {
		cTimeout = 15
	}
	rf := req.RetryFlag
	creq := &CollectRequest{
		TaskID:          req.TaskID + suffix + d.DeviceIP,
		TaskName:        req.TaskName,
		CollectOrigin:   "customer",
		DeviceIP:        d.DeviceIP,
		DeviceName:      d.DeviceName,
		DevicePlatform:  d.DevicePlatform,
		CollectProtocol: "eapi",
		Port:            d.DevicePort,
		UserName:        d.UserName,
		Password:        d.Password,
		EnablePassword:  d.EnablePassword,
		UseTLS:          d.UseTLS,
		CliList:         d.StatusCheckList,
		RetryFlag:       &rf,
		Timeout:         &cTimeout,
		Metadata:        map[string]interface{}{"collect_mode": "customer"},
	}
	if cresp, err := s.collector.ExecuteTask(ctx, creq); err == nil && cresp != nil {
		for _, v := range cresp.Results {
			if v == nil {
				continue
			}
			out[strings.TrimSpace(v.Command)] = v.RawOutput
		}
	} else if err != nil {
		// 记录错误但不中断下发流程
		out["__error__"] = err.Error()
	}
	return out
}

// deployWait 状态采集与下发之间的固定等待
func (s *DeployService) deployWait() {
	wait := s.cfg.Deploy.DeployWaitMS
	if wait <= 0 {
		wait = 2000
	}
	time.Sleep(time.Duration(wait) * time.Millisecond)
}

// abortSession 尽力放弃会话，避免残留未提交配置占用会话名
func (s *DeployService) abortSession(ctx context.Context, sess *eapi.SessionConfig, deviceName string) {
	if err := sess.Abort(ctx); err != nil {
		logger.Warn("Session abort failed", "device", deviceName, "session", sess.Name(), "error", err)
	}
}

// buildDeploySequence 构建下发序列：统一 UTF-8 与换行后逐行拆分，
// 去掉空行与配置模式包装命令（会话本身就是配置上下文）
func (s *DeployService) buildDeploySequence(cfgText string) []string {
	text := util.NormalizeDeviceOutput(util.EnsureUTF8(cfgText))
	lines := make([]string, 0, 16)
	for _, ln := range strings.Split(text, "\n") {
		t := strings.TrimSpace(ln)
		if t == "" {
			continue
		}
		if isConfigModeWrapper(t) {
			continue
		}
		lines = append(lines, t)
	}
	return lines
}

// isConfigModeWrapper 识别进入/退出配置模式的包装命令。
// 会话内再次出现这类命令会报错或提前结束会话。
func isConfigModeWrapper(line string) bool {
	c := canonical(line)
	switch c {
	case "configure", "configure terminal", "end", "exit":
		return true
	}
	return strings.HasPrefix(c, "configure session")
}

// pushLogs 把会话推送结果展开成逐条命令日志。
// 成功时配置命令的应答是空对象，输出留空；失败时利用批次错误
// 按已执行/失败/未执行三段回填。
func pushLogs(lines []string, pushErr error) []CommandResult {
	logs := make([]CommandResult, 0, len(lines))

	var cmdErr *eapi.CommandError
	if pushErr == nil {
		for _, line := range lines {
			logs = append(logs, CommandResult{Command: line})
		}
		return logs
	}
	if !errors.As(pushErr, &cmdErr) {
		// 传输层失败：没有任何命令到达设备
		for _, line := range lines {
			logs = append(logs, CommandResult{Command: line, Error: pushErr.Error(), ExitCode: -1})
		}
		return logs
	}

	for _, res := range cmdErr.Passed {
		if res == nil || isSessionCommand(res.Command) {
			continue
		}
		logs = append(logs, CommandResult{
			Command: res.Command,
			Output:  rawDeviceOutput(res),
			Elapsed: elapsedString(res.Duration),
		})
	}
	logs = append(logs, CommandResult{
		Command:  cmdErr.FailedCommand,
		Error:    strings.Join(cmdErr.Errors, "; "),
		ExitCode: 1,
	})
	for _, c := range cmdErr.NotExecuted {
		ph := eapi.NotExecuted(c.Cmd())
		logs = append(logs, CommandResult{
			Command:  ph.Command,
			Error:    strings.Join(ph.Errors, "; "),
			ExitCode: -1,
		})
	}
	return logs
}

// isSessionCommand 进入会话与清空会话的内部命令不属于用户下发序列
func isSessionCommand(cmd string) bool {
	c := canonical(cmd)
	return strings.HasPrefix(c, "configure session") || c == "rollback clean-config"
}

// elapsedString 秒值转为可读时长，0 表示设备未返回耗时
func elapsedString(seconds float64) string {
	if seconds <= 0 {
		return ""
	}
	return time.Duration(seconds * float64(time.Second)).String()
}

// aggregateDeployLogs 根据逐条日志聚合输出（不重复执行命令）
func aggregateDeployLogs(cmds []string, logs []CommandResult) CommandResult {
	agg := CommandResult{}
	if len(cmds) > 0 {
		agg.Command = strings.Join(cmds, "\n") + "\n"
	}
	var dur time.Duration
	var outSB strings.Builder
	var errSB strings.Builder
	for _, cr := range logs {
		if strings.TrimSpace(cr.Output) != "" {
			outSB.WriteString(cr.Output)
			if !strings.HasSuffix(cr.Output, "\n") {
				outSB.WriteString("\n")
			}
		}
		if strings.TrimSpace(cr.Error) != "" {
			errSB.WriteString(cr.Error)
			if !strings.HasSuffix(cr.Error, "\n") {
				errSB.WriteString("\n")
			}
		}
		if strings.TrimSpace(cr.Elapsed) != "" {
			if d, e := time.ParseDuration(cr.Elapsed); e == nil {
				dur += d
			}
		}
	}
	agg.Output = outSB.String()
	if errSB.Len() > 0 {
		agg.Error = strings.TrimSuffix(errSB.String(), "\n")
		agg.ExitCode = 1
	}
	if dur > 0 {
		agg.Elapsed = dur.String()
	}
	return agg
}
