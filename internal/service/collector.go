package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	"github.com/eapicollectorpro/eapicollectorpro/addone/collect"
	"github.com/eapicollectorpro/eapicollectorpro/internal/config"
	"github.com/eapicollectorpro/eapicollectorpro/internal/database"
	"github.com/eapicollectorpro/eapicollectorpro/internal/model"
	"github.com/eapicollectorpro/eapicollectorpro/internal/util"
	"github.com/eapicollectorpro/eapicollectorpro/pkg/cache"
	"github.com/eapicollectorpro/eapicollectorpro/pkg/eapi"
	"github.com/eapicollectorpro/eapicollectorpro/pkg/events"
	"github.com/eapicollectorpro/eapicollectorpro/pkg/logger"
)

// CollectorService 采集器服务
type CollectorService struct {
	config  *config.Config
	adapter *ExecAdapter
	mutex   sync.RWMutex
	running bool
	tasks   map[string]*TaskContext
	workers chan struct{}
}

// TaskContext 任务上下文
type TaskContext struct {
	Task      *model.Task
	Cancel    context.CancelFunc
	StartTime time.Time
	Status    string
}

// CollectRequest 采集请求
type CollectRequest struct {
	TaskID          string                 `json:"task_id"`
	TaskName        string                 `json:"task_name,omitempty"`
	CollectOrigin   string                 `json:"collect_origin,omitempty"` // system | customer
	DeviceIP        string                 `json:"device_ip"`
	DeviceName      string                 `json:"device_name,omitempty"`
	DevicePlatform  string                 `json:"device_platform,omitempty"`
	CollectProtocol string                 `json:"collect_protocol,omitempty"` // eapi
	Port            int                    `json:"port,omitempty"`
	UserName        string                 `json:"user_name"`
	Password        string                 `json:"password"`
	EnablePassword  string                 `json:"enable_password,omitempty"`
	UseTLS          *bool                  `json:"use_tls,omitempty"`
	Format          string                 `json:"format,omitempty"` // json | text
	CliList         []string               `json:"cli_list"`
	RetryFlag       *int                   `json:"retry_flag,omitempty"`
	Timeout         *int                   `json:"timeout,omitempty"`
	Metadata        map[string]interface{} `json:"metadata"`
}

// CollectResponse 采集响应
type CollectResponse struct {
	TaskID        string                 `json:"task_id"`
	Success       bool                   `json:"success"`
	Results       []*CommandResultView   `json:"results"`
	Error         string                 `json:"error"`
	FailedCommand string                 `json:"failed_command,omitempty"`
	Duration      time.Duration          `json:"duration"`
	DurationMS    int64                  `json:"duration_ms"`
	Timestamp     time.Time              `json:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata"`
}

// CommandResultView 对外输出的命令结果（原始输出、结构化输出与格式化行）
type CommandResultView struct {
	Command   string `json:"command"`
	RawOutput string `json:"raw_output"`
	// Output 结构化输出：json 编码为解码后的对象，text 编码为字符串
	Output       interface{} `json:"output,omitempty"`
	FormatOutput interface{} `json:"format_output"` // []collect.FormattedRow 或空数组
	Error        string      `json:"error"`
	Success      bool        `json:"success"`
	// Executed 为 false 表示命令因前序失败被设备跳过
	Executed   bool  `json:"executed"`
	DurationMS int64 `json:"duration_ms"`
}

// platformCollectDefaults 平台内置采集默认值
type platformCollectDefaults struct {
	TimeoutSec   int
	Retries      int
	Format       string
	Version      int
	Timestamps   bool
	Commands     []string
	TextCommands []string
}

// getPlatformDefaults 返回平台采集默认值：内置值打底，
// 平台插件提供命令集与 text 前缀，配置层（collector.device_defaults）最终覆盖
func getPlatformDefaults(platform string) platformCollectDefaults {
	p := strings.TrimSpace(strings.ToLower(platform))

	base := platformCollectDefaults{TimeoutSec: 30, Retries: 1}
	switch p {
	case "arista_eos", "arista_ceos":
		base = platformCollectDefaults{
			TimeoutSec: 60,
			Retries:    2,
			Format:     "json",
		}
	}

	if plugin := collect.Get(p); plugin != nil {
		if cmds := plugin.SystemCommands(); len(cmds) > 0 {
			base.Commands = cmds
		}
		if tc := plugin.TextCommands(); len(tc) > 0 {
			base.TextCommands = tc
		}
	}

	if cfg := config.Get(); cfg != nil {
		if dd, ok := cfg.PlatformDefaults(p); ok {
			if dd.TimeoutSec > 0 {
				base.TimeoutSec = dd.TimeoutSec
			}
			if dd.Retries > 0 {
				base.Retries = dd.Retries
			}
			if dd.Format != "" {
				base.Format = dd.Format
			}
			if dd.Version > 0 {
				base.Version = dd.Version
			}
			if dd.Timestamps {
				base.Timestamps = true
			}
			if len(dd.Commands) > 0 {
				base.Commands = dd.Commands
			}
			if len(dd.TextCommands) > 0 {
				base.TextCommands = dd.TextCommands
			}
		}
	}

	// 运维通过设置接口保存过全局默认时最后覆盖（保存即生效，请求显式传参仍最优先）
	if st := loadCollectorSettings(); st != nil {
		if st.Timeout > 0 {
			base.TimeoutSec = st.Timeout
		}
		if st.RetryFlag >= 0 {
			base.Retries = st.RetryFlag
		}
		if f := strings.TrimSpace(st.Format); f != "" {
			base.Format = f
		}
	}

	return base
}

// collectMode 采集来源：system 采集使用平台内置命令集并做结构化解析
func collectMode(request *CollectRequest) string {
	mode := strings.ToLower(strings.TrimSpace(request.CollectOrigin))
	if mode == "" {
		if v, ok := request.Metadata["collect_mode"]; ok {
			mode = strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", v)))
		}
	}
	if mode == "" {
		mode = "customer"
	}
	return mode
}

// NewCollectorService 创建采集器服务
func NewCollectorService(cfg *config.Config) *CollectorService {
	maxWorkers := cfg.Collector.Concurrent
	if maxWorkers <= 0 {
		maxWorkers = 16
	}

	return &CollectorService{
		config:  cfg,
		adapter: NewExecAdapter(cfg),
		tasks:   make(map[string]*TaskContext),
		workers: make(chan struct{}, maxWorkers),
	}
}

// Start 启动采集器服务
func (s *CollectorService) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return fmt.Errorf("collector service is already running")
	}

	s.running = true
	logger.Info("Collector service started")

	// 启动任务清理协程
	go s.cleanupTasks(ctx)

	return nil
}

// Stop 停止采集器服务
func (s *CollectorService) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.running {
		return nil
	}

	s.running = false

	// 取消所有正在运行的任务
	for _, taskCtx := range s.tasks {
		if taskCtx.Cancel != nil {
			taskCtx.Cancel()
		}
	}

	logger.Info("Collector service stopped")
	return nil
}

// ExecuteTask 执行采集任务
func (s *CollectorService) ExecuteTask(ctx context.Context, request *CollectRequest) (*CollectResponse, error) {
	if !s.running {
		return nil, fmt.Errorf("collector service is not running")
	}

	platform := strings.TrimSpace(strings.ToLower(request.DevicePlatform))
	if platform == "" {
		platform = "arista_eos"
		request.DevicePlatform = platform
	}
	if proto := strings.TrimSpace(strings.ToLower(request.CollectProtocol)); proto == "" {
		request.CollectProtocol = "eapi"
	}
	if request.CollectProtocol != "eapi" {
		return nil, fmt.Errorf("unsupported collect_protocol: %s", request.CollectProtocol)
	}

	// 在进入工作协程前先解析平台默认与有效超时/重试，用于队列等待控制
	defaults := getPlatformDefaults(platform)
	effTimeout := defaults.TimeoutSec
	if request.Timeout != nil && *request.Timeout > 0 {
		effTimeout = *request.Timeout
	}
	if effTimeout <= 0 {
		effTimeout = 30
	}
	effRetries := defaults.Retries
	if request.RetryFlag != nil && *request.RetryFlag >= 0 {
		effRetries = *request.RetryFlag
	}

	// 获取工作协程：使用基于有效超时的内部等待上下文，避免HTTP上下文过早结束
	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Duration(effTimeout)*time.Second)
	defer waitCancel()
	select {
	case s.workers <- struct{}{}:
		defer func() { <-s.workers }()
	case <-waitCtx.Done():
		return nil, fmt.Errorf("task queue wait timeout after %ds: %w", effTimeout, waitCtx.Err())
	}

	startTime := time.Now()
	response := &CollectResponse{
		TaskID:    request.TaskID,
		Timestamp: startTime,
		Metadata:  request.Metadata,
	}

	// 命令清单：请求优先，system 采集在清单为空时回落平台内置命令集
	commands := append([]string(nil), request.CliList...)
	if len(commands) == 0 && collectMode(request) == "system" {
		commands = append(commands, defaults.Commands...)
	}

	logger.Info("Prepared command queue", "task_id", request.TaskID, "platform", platform, "commands", strings.Join(commands, ";"))

	// 任务记录的端口：未指定时按协议取默认端口
	useTLS := s.config.Eapi.UseTLS
	if request.UseTLS != nil {
		useTLS = *request.UseTLS
	}
	port := request.Port
	if port < 1 || port > 65535 {
		scheme := "http"
		if useTLS {
			scheme = "https"
		}
		port, _ = eapi.PortForScheme(scheme)
	}

	// 口令按主密钥封存后入库；主密钥未配置时原样存储
	storedPwd, err := util.SealSecret(s.config.Security.MasterKey, request.Password)
	if err != nil {
		logger.Warn("Failed to seal task password", "task_id", request.TaskID, "error", err)
		storedPwd = ""
	}

	task := &model.Task{
		ID:          request.TaskID,
		CollectorID: s.config.Collector.ID,
		Type:        model.TaskTypeCollect,
		DeviceIP:    request.DeviceIP,
		DevicePort:  port,
		Platform:    platform,
		Username:    request.UserName,
		Password:    storedPwd,
		UseTLS:      useTLS,
		Format:      string(resolveFormat(request.Format, defaults.Format, s.config.Eapi.Format)),
		Commands:    strings.Join(commands, ";"),
		Status:      model.TaskStatusRunning,
		StartTime:   startTime,
		CreatedAt:   startTime,
		UpdatedAt:   startTime,
	}

	// 保存任务到数据库
	if err := s.saveTask(task); err != nil {
		logger.Error("Failed to save task", "task_id", request.TaskID, "error", err)
	}

	events.Publish(&events.TaskEvent{
		Event:    events.EventTaskStarted,
		TaskID:   request.TaskID,
		TaskType: model.TaskTypeCollect,
		DeviceIP: request.DeviceIP,
		Platform: platform,
		Status:   "running",
	})

	// 创建任务上下文
	taskCtx, cancel := context.WithTimeout(ctx, time.Duration(effTimeout)*time.Second)
	defer cancel()

	s.addTaskContext(request.TaskID, &TaskContext{
		Task:      task,
		Cancel:    cancel,
		StartTime: startTime,
		Status:    "running",
	})
	defer s.removeTaskContext(request.TaskID)

	// 执行 eAPI 采集
	execStart := time.Now()
	views, execErr := s.executeEapiCollection(taskCtx, request, commands, effRetries)
	response.Duration = time.Since(execStart)
	response.DurationMS = response.Duration.Milliseconds()
	response.Results = views

	if execErr != nil {
		response.Success = false
		response.Error = execErr.Error()
		task.Status = model.TaskStatusFailed
		task.ErrorMsg = execErr.Error()

		var cmdErr *eapi.CommandError
		if errors.As(execErr, &cmdErr) {
			response.FailedCommand = cmdErr.FailedCommand
			task.FailedCommand = cmdErr.FailedCommand
		}

		s.logTaskError(request.TaskID, execErr.Error())
	} else {
		response.Success = true
		task.Status = model.TaskStatusSuccess
	}

	// 无论成败都持久化逐命令结果视图（失败时含未执行占位）
	if len(views) > 0 {
		if resultData, mErr := json.Marshal(views); mErr == nil {
			task.Result = string(resultData)
		}
	}

	// 更新任务状态（以毫秒记录执行时长）
	task.EndTime = time.Now()
	task.Duration = response.Duration.Milliseconds()
	task.UpdatedAt = task.EndTime
	if err := s.updateTask(task); err != nil {
		logger.Error("Failed to update task", "task_id", request.TaskID, "error", err)
	}

	taskEvent := &events.TaskEvent{
		Event:      events.EventTaskCompleted,
		TaskID:     request.TaskID,
		TaskType:   model.TaskTypeCollect,
		DeviceIP:   request.DeviceIP,
		Platform:   platform,
		Status:     "success",
		DurationMS: response.DurationMS,
	}
	if !response.Success {
		taskEvent.Event = events.EventTaskFailed
		taskEvent.Status = "failed"
		taskEvent.Error = response.Error
	}
	events.Publish(taskEvent)

	s.cacheTaskSnapshot(request, response)

	return response, nil
}

// executeEapiCollection 执行 eAPI 采集。仅传输层失败会按 retries 重试；
// 设备中止批次是权威结论，重试会重复执行已成功的命令，直接返回
// *eapi.CommandError，此时视图仍覆盖全部命令（含未执行占位）。
func (s *CollectorService) executeEapiCollection(ctx context.Context, request *CollectRequest, commands []string, retries int) ([]*CommandResultView, error) {
	defaults := getPlatformDefaults(request.DevicePlatform)
	execReq := &ExecRequest{
		DeviceIP:        request.DeviceIP,
		Port:            request.Port,
		DeviceName:      request.DeviceName,
		DevicePlatform:  request.DevicePlatform,
		CollectProtocol: request.CollectProtocol,
		UserName:        request.UserName,
		Password:        request.Password,
		EnablePassword:  request.EnablePassword,
		UseTLS:          request.UseTLS,
		Format:          string(resolveFormat(request.Format, defaults.Format, s.config.Eapi.Format)),
		RequestID:       request.TaskID,
	}
	if request.Timeout != nil && *request.Timeout > 0 {
		execReq.TimeoutSec = *request.Timeout
	}

	s.logTaskInfo(request.TaskID, fmt.Sprintf("Starting eAPI collection for %s", request.DeviceIP))

	var results []*eapi.Result
	var execErr error
	for attempt := 0; attempt <= retries; attempt++ {
		results, execErr = s.adapter.Execute(ctx, execReq, commands)
		if execErr == nil {
			break
		}
		var cmdErr *eapi.CommandError
		if errors.As(execErr, &cmdErr) {
			break
		}
		if attempt < retries {
			s.logTaskWarn(request.TaskID, fmt.Sprintf("eapi attempt %d/%d failed: %v", attempt+1, retries+1, execErr))
			// 短暂退避，避免设备端限流
			time.Sleep(200 * time.Millisecond)
		}
	}

	if execErr != nil {
		var cmdErr *eapi.CommandError
		if !errors.As(execErr, &cmdErr) {
			s.logTaskError(request.TaskID, fmt.Sprintf("eapi request failed after %d attempts: %v", retries+1, execErr))
			return nil, execErr
		}
		s.logTaskError(request.TaskID, fmt.Sprintf("device aborted batch at '%s': %v", cmdErr.FailedCommand, cmdErr))
		return s.buildViews(request, results), execErr
	}

	s.logTaskInfo(request.TaskID, fmt.Sprintf("eAPI collection completed, executed %d commands", len(results)))
	return s.buildViews(request, results), nil
}

// buildViews 把逐命令结果转换为对外视图；system 采集经平台插件解析出格式化行
func (s *CollectorService) buildViews(request *CollectRequest, results []*eapi.Result) []*CommandResultView {
	if len(results) == 0 {
		return []*CommandResultView{}
	}

	platform := strings.TrimSpace(strings.ToLower(request.DevicePlatform))
	mode := collectMode(request)
	defaults := getPlatformDefaults(platform)
	plugin := collect.Get(platform)
	format := string(resolveFormat(request.Format, defaults.Format, s.config.Eapi.Format))

	views := make([]*CommandResultView, 0, len(results))
	for _, r := range results {
		view := &CommandResultView{
			Command:      r.Command,
			Output:       r.Output,
			FormatOutput: []collect.FormattedRow{},
			Success:      r.Success,
			Executed:     r.Executed,
			DurationMS:   int64(r.Duration * 1000),
		}
		if len(r.Errors) > 0 {
			view.Error = strings.Join(r.Errors, "; ")
		}

		// 原始输出：text 编码的字符串做换行归一，结构化输出序列化存储
		if str, ok := r.Output.(string); ok {
			view.RawOutput = util.NormalizeDeviceOutput(str)
		} else {
			view.RawOutput = collect.RawString(r.Output)
		}
		logger.DebugCommandOutput(r.Command, view.RawOutput, 20)

		// system 采集：插件解析出格式化行供入库
		if mode == "system" && r.Success {
			cmdFormat := format
			if isTextOnly(r.Command, defaults.TextCommands) {
				cmdFormat = string(eapi.FormatText)
			}
			parsed, err := plugin.Parse(collect.ParseContext{
				Platform: platform,
				Command:  r.Command,
				Format:   cmdFormat,
				TaskID:   request.TaskID,
				Status:   collect.TaskStatusSuccess,
			}, r.Output)
			if err != nil {
				s.logTaskWarn(request.TaskID, fmt.Sprintf("parse failed for '%s': %v", r.Command, err))
			} else if len(parsed.Rows) > 0 {
				view.FormatOutput = parsed.Rows
			}
		}

		views = append(views, view)
	}

	return views
}

// cacheTaskSnapshot 把最近一次采集结果写入缓存，供查询侧快速读取
func (s *CollectorService) cacheTaskSnapshot(request *CollectRequest, response *CollectResponse) {
	if cache.GetRedis() == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	deviceKey := fmt.Sprintf("collect:latest:%s", request.DeviceIP)
	if err := cache.Set(ctx, deviceKey, response, 24*time.Hour); err != nil {
		logger.Warn("Failed to cache collect snapshot", "task_id", request.TaskID, "error", err)
		return
	}
	taskKey := fmt.Sprintf("collect:task:%s", request.TaskID)
	if err := cache.Set(ctx, taskKey, response, 24*time.Hour); err != nil {
		logger.Warn("Failed to cache task snapshot", "task_id", request.TaskID, "error", err)
	}
}

// GetTaskStatus 获取任务状态
func (s *CollectorService) GetTaskStatus(taskID string) (*TaskContext, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if taskCtx, exists := s.tasks[taskID]; exists {
		return taskCtx, nil
	}

	return nil, fmt.Errorf("task not found: %s", taskID)
}

// CancelTask 取消任务
func (s *CollectorService) CancelTask(taskID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if taskCtx, exists := s.tasks[taskID]; exists {
		if taskCtx.Cancel != nil {
			taskCtx.Cancel()
			taskCtx.Status = "cancelled"
		}
		return nil
	}

	return fmt.Errorf("task not found: %s", taskID)
}

// GetStats 获取采集器统计信息
func (s *CollectorService) GetStats() map[string]interface{} {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	stats := map[string]interface{}{
		"running":      s.running,
		"active_tasks": len(s.tasks),
		"max_workers":  cap(s.workers),
		"busy_workers": len(s.workers),
	}

	return stats
}

// ActiveTasks 当前在执行的任务数
func (s *CollectorService) ActiveTasks() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.tasks)
}

// addTaskContext 添加任务上下文
func (s *CollectorService) addTaskContext(taskID string, taskCtx *TaskContext) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.tasks[taskID] = taskCtx
}

// removeTaskContext 移除任务上下文
func (s *CollectorService) removeTaskContext(taskID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.tasks, taskID)
}

// cleanupTasks 清理过期任务
func (s *CollectorService) cleanupTasks(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupExpiredTasks()
		}
	}
}

// cleanupExpiredTasks 清理过期任务
func (s *CollectorService) cleanupExpiredTasks() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	toDelete := make([]string, 0)

	for taskID, taskCtx := range s.tasks {
		// 清理超过1小时的任务
		if now.Sub(taskCtx.StartTime) > time.Hour {
			toDelete = append(toDelete, taskID)
		}
	}

	for _, taskID := range toDelete {
		delete(s.tasks, taskID)
	}
}

// saveTask 保存任务到数据库
func (s *CollectorService) saveTask(task *model.Task) error {
	db := database.GetDB()
	// 如果主键已存在则进行更新（upsert），避免重复任务ID导致插入失败
	return db.Clauses(clause.OnConflict{UpdateAll: true}).Create(task).Error
}

// updateTask 更新任务状态
func (s *CollectorService) updateTask(task *model.Task) error {
	db := database.GetDB()
	return db.Save(task).Error
}

// logTaskInfo 记录任务信息日志
func (s *CollectorService) logTaskInfo(taskID, message string) {
	logger.Info("Task info", "task_id", taskID, "message", message)
	s.saveTaskLog(taskID, "INFO", message)
}

// logTaskError 记录任务错误日志
func (s *CollectorService) logTaskError(taskID, message string) {
	logger.Error("Task error", "task_id", taskID, "message", message)
	s.saveTaskLog(taskID, "ERROR", message)
}

// logTaskWarn 记录任务警告日志
func (s *CollectorService) logTaskWarn(taskID, message string) {
	logger.Warn("Task warn", "task_id", taskID, "message", message)
	s.saveTaskLog(taskID, "WARN", message)
}

// saveTaskLog 保存任务日志
func (s *CollectorService) saveTaskLog(taskID, level, message string) {
	db := database.GetDB()
	taskLog := &model.TaskLog{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Level:     level,
		Message:   message,
		CreatedAt: time.Now(),
	}

	if err := db.Create(taskLog).Error; err != nil {
		logger.Error("Failed to save task log", "task_id", taskID, "error", err)
	}
}
