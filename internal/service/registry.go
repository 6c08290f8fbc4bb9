package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"

	"github.com/eapicollectorpro/eapicollectorpro/addone/collect"
	"github.com/eapicollectorpro/eapicollectorpro/internal/config"
	"github.com/eapicollectorpro/eapicollectorpro/internal/database"
	"github.com/eapicollectorpro/eapicollectorpro/internal/model"
	"github.com/eapicollectorpro/eapicollectorpro/pkg/logger"
)

// RegistryService 采集器注册与心跳服务。控制器未配置（controller.host 为空）
// 时进入独立运行模式：仍维护本地采集器记录，但不发起注册与心跳。
type RegistryService struct {
	config          *config.Config
	httpClient      *http.Client
	collector       *model.Collector
	collectorStatus *model.CollectorStatus
	collectorSvc    *CollectorService
	mutex           sync.RWMutex
	running         bool
	standalone      bool
	registerTicker  *time.Ticker
	heartbeatTicker *time.Ticker
	stopChan        chan struct{}
}

// RegisterRequest 注册请求
type RegisterRequest struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Version    string            `json:"version"`
	Tags       []string          `json:"tags"`
	Platforms  []string          `json:"platforms"`
	ServerIP   string            `json:"server_ip"`
	ServerPort int               `json:"server_port"`
	Threads    int               `json:"threads"`
	Concurrent int               `json:"concurrent"`
	Metadata   map[string]string `json:"metadata"`
}

// RegisterResponse 注册响应
type RegisterResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		CollectorID string `json:"collector_id"`
		Config      struct {
			HeartbeatInterval int `json:"heartbeat_interval"`
			TaskTimeout       int `json:"task_timeout"`
		} `json:"config"`
	} `json:"data"`
}

// HeartbeatRequest 心跳请求
type HeartbeatRequest struct {
	CollectorID   string  `json:"collector_id"`
	Status        string  `json:"status"`
	CPUUsage      float64 `json:"cpu_usage"`
	MemoryUsage   float64 `json:"memory_usage"`
	DiskUsage     float64 `json:"disk_usage"`
	TasksRunning  int     `json:"tasks_running"`
	TasksSuccess  int64   `json:"tasks_success"`
	TasksFailure  int64   `json:"tasks_failure"`
	LastHeartbeat int64   `json:"last_heartbeat"`
}

// HeartbeatResponse 心跳响应
type HeartbeatResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		NextHeartbeat int64 `json:"next_heartbeat"`
		Commands      []struct {
			Type   string                 `json:"type"`
			Params map[string]interface{} `json:"params"`
		} `json:"commands"`
	} `json:"data"`
}

// NewRegistryService 创建注册服务
func NewRegistryService(cfg *config.Config) *RegistryService {
	return &RegistryService{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		stopChan: make(chan struct{}),
	}
}

// BindCollector 绑定采集服务，心跳上报在执行任务数时使用
func (s *RegistryService) BindCollector(c *CollectorService) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.collectorSvc = c
}

// Start 启动注册服务
func (s *RegistryService) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return fmt.Errorf("registry service is already running")
	}

	if err := s.initCollector(); err != nil {
		return fmt.Errorf("failed to initialize collector: %w", err)
	}

	s.standalone = strings.TrimSpace(s.config.Controller.Host) == ""
	if s.standalone {
		s.collector.Status = "standalone"
		s.updateCollectorStatusInDB()
		s.running = true
		logger.Info("Controller not configured, registry running standalone", "collector_id", s.collector.ID)
		return nil
	}

	registerInterval := s.config.Controller.RegisterInterval
	if registerInterval <= 0 {
		registerInterval = 30 * time.Second
	}
	heartbeatInterval := s.config.Controller.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = 15 * time.Second
	}
	s.registerTicker = time.NewTicker(registerInterval)
	s.heartbeatTicker = time.NewTicker(heartbeatInterval)

	s.running = true
	go s.registrationLoop(ctx)
	go s.heartbeatLoop(ctx)

	logger.Info("Registry service started", "collector_id", s.collector.ID,
		"controller", s.config.GetControllerAddr())
	return nil
}

// Stop 停止注册服务
func (s *RegistryService) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.running {
		return nil
	}

	s.running = false
	close(s.stopChan)

	if s.registerTicker != nil {
		s.registerTicker.Stop()
	}
	if s.heartbeatTicker != nil {
		s.heartbeatTicker.Stop()
	}

	logger.Info("Registry service stopped")
	return nil
}

// collectorIdentity 采集器标识：配置优先，否则取机器指纹，再退化为随机标识
func collectorIdentity(cfg *config.Config) string {
	if id := strings.TrimSpace(cfg.Collector.ID); id != "" {
		return id
	}
	if mid, err := machineid.ProtectedID("eapicollectorpro"); err == nil && len(mid) >= 12 {
		return "collector-" + mid[:12]
	}
	return "collector-" + uuid.New().String()[:8]
}

// supportedPlatforms 已注册的平台插件名（剔除 default 兜底项）
func supportedPlatforms() []string {
	names := collect.Names()
	platforms := make([]string, 0, len(names))
	for _, n := range names {
		if n == "default" {
			continue
		}
		platforms = append(platforms, n)
	}
	sort.Strings(platforms)
	return platforms
}

// initCollector 初始化采集器记录与状态记录
func (s *RegistryService) initCollector() error {
	db := database.GetDB()
	if db == nil {
		return fmt.Errorf("database not initialized")
	}

	s.collector = &model.Collector{
		ID:         collectorIdentity(s.config),
		Type:       s.config.Collector.Type,
		Version:    s.config.Collector.Version,
		Tags:       strings.Join(s.config.Collector.Tags, ","),
		Platforms:  strings.Join(supportedPlatforms(), ","),
		ServerIP:   s.getLocalIP(),
		ServerPort: s.config.Server.Port,
		Threads:    s.config.Collector.Threads,
		Concurrent: s.config.Collector.Concurrent,
		Status:     "starting",
	}

	var existingCollector model.Collector
	if err := db.Where("id = ?", s.collector.ID).First(&existingCollector).Error; err == nil {
		if err := db.Model(&existingCollector).Updates(s.collector).Error; err != nil {
			return fmt.Errorf("failed to update collector: %w", err)
		}
		s.collector = &existingCollector
	} else {
		if err := db.Create(s.collector).Error; err != nil {
			return fmt.Errorf("failed to create collector: %w", err)
		}
	}

	// 状态记录与采集器记录共用主键
	s.collectorStatus = &model.CollectorStatus{
		ID:            s.collector.ID,
		LastHeartbeat: time.Now(),
	}

	var existingStatus model.CollectorStatus
	if err := db.Where("id = ?", s.collector.ID).First(&existingStatus).Error; err == nil {
		s.collectorStatus = &existingStatus
		s.collectorStatus.LastHeartbeat = time.Now()
		if err := db.Save(s.collectorStatus).Error; err != nil {
			return fmt.Errorf("failed to update collector status: %w", err)
		}
	} else {
		if err := db.Create(s.collectorStatus).Error; err != nil {
			return fmt.Errorf("failed to create collector status: %w", err)
		}
	}

	return nil
}

// registrationLoop 注册循环：上线前持续重试
func (s *RegistryService) registrationLoop(ctx context.Context) {
	s.tryRegister()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-s.registerTicker.C:
			if s.statusSnapshot() != "online" {
				s.tryRegister()
			}
		}
	}
}

// heartbeatLoop 心跳循环：仅在线状态下发送
func (s *RegistryService) heartbeatLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-s.heartbeatTicker.C:
			if s.statusSnapshot() == "online" {
				s.sendHeartbeat()
			}
		}
	}
}

// statusSnapshot 读取当前状态（加读锁）
func (s *RegistryService) statusSnapshot() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.collector == nil {
		return ""
	}
	return s.collector.Status
}

// tryRegister 尝试向控制器注册
func (s *RegistryService) tryRegister() {
	logger.Info("Attempting to register collector", "collector_id", s.collector.ID)

	request := &RegisterRequest{
		ID:         s.collector.ID,
		Type:       s.collector.Type,
		Version:    s.collector.Version,
		Tags:       strings.Split(s.collector.Tags, ","),
		Platforms:  supportedPlatforms(),
		ServerIP:   s.collector.ServerIP,
		ServerPort: s.collector.ServerPort,
		Threads:    s.collector.Threads,
		Concurrent: s.collector.Concurrent,
		Metadata: map[string]string{
			"os":      runtime.GOOS,
			"arch":    runtime.GOARCH,
			"version": runtime.Version(),
		},
	}

	response, err := s.sendRegisterRequest(request)
	if err != nil {
		logger.Error("Failed to register collector", "error", err)
		s.updateCollectorStatus("offline")
		return
	}

	if response.Success {
		logger.Info("Collector registered successfully", "collector_id", s.collector.ID)
		s.updateCollectorStatus("online")
	} else {
		logger.Error("Registration rejected by controller", "message", response.Message)
		s.updateCollectorStatus("offline")
	}
}

// sendHeartbeat 发送心跳：上报系统指标与任务计数
func (s *RegistryService) sendHeartbeat() {
	running := s.runningTasks()

	s.mutex.Lock()
	s.updateSystemStats()
	request := &HeartbeatRequest{
		CollectorID:   s.collector.ID,
		Status:        s.collector.Status,
		CPUUsage:      s.collectorStatus.CPUUsage,
		MemoryUsage:   s.collectorStatus.MemoryUsage,
		DiskUsage:     s.collectorStatus.DiskUsage,
		TasksRunning:  running,
		TasksSuccess:  s.collectorStatus.TaskSuccessCount,
		TasksFailure:  s.collectorStatus.TaskFailureCount,
		LastHeartbeat: time.Now().Unix(),
	}
	s.mutex.Unlock()

	response, err := s.sendHeartbeatRequest(request)
	if err != nil {
		logger.Error("Failed to send heartbeat", "error", err)
		s.updateCollectorStatus("offline")
		return
	}

	if response.Success {
		logger.Debug("Heartbeat sent successfully")
		s.mutex.Lock()
		s.collectorStatus.LastHeartbeat = time.Now()
		s.updateCollectorStatusInDB()
		s.mutex.Unlock()
	} else {
		logger.Error("Heartbeat rejected by controller", "message", response.Message)
		s.updateCollectorStatus("offline")
	}
}

// sendRegisterRequest 发送注册请求
func (s *RegistryService) sendRegisterRequest(request *RegisterRequest) (*RegisterResponse, error) {
	url := fmt.Sprintf("http://%s/api/v1/collectors/register", s.config.GetControllerAddr())

	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := s.httpClient.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	var response RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &response, nil
}

// sendHeartbeatRequest 发送心跳请求
func (s *RegistryService) sendHeartbeatRequest(request *HeartbeatRequest) (*HeartbeatResponse, error) {
	url := fmt.Sprintf("http://%s/api/v1/collectors/%s/heartbeat", s.config.GetControllerAddr(), s.collector.ID)

	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := s.httpClient.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	var response HeartbeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &response, nil
}

// updateCollectorStatus 更新采集器状态并落库
func (s *RegistryService) updateCollectorStatus(status string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.collector.Status = status
	s.updateCollectorStatusInDB()
}

// updateCollectorStatusInDB 把状态写入数据库，调用方需持有锁
func (s *RegistryService) updateCollectorStatusInDB() {
	db := database.GetDB()
	if db == nil {
		return
	}

	if err := db.Model(s.collector).Update("status", s.collector.Status).Error; err != nil {
		logger.Error("Failed to update collector status", "error", err)
	}

	if err := db.Model(s.collectorStatus).Updates(map[string]interface{}{
		"cpu_usage":          s.collectorStatus.CPUUsage,
		"memory_usage":       s.collectorStatus.MemoryUsage,
		"disk_usage":         s.collectorStatus.DiskUsage,
		"task_success_count": s.collectorStatus.TaskSuccessCount,
		"task_failure_count": s.collectorStatus.TaskFailureCount,
		"last_heartbeat":     s.collectorStatus.LastHeartbeat,
	}).Error; err != nil {
		logger.Error("Failed to update collector detailed status", "error", err)
	}
}

// updateSystemStats 更新系统统计信息，调用方需持有锁。内存用量取自
// 运行时统计，任务计数取自任务表；CPU 与磁盘暂无低成本采样来源，保持为 0。
func (s *RegistryService) updateSystemStats() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	s.collectorStatus.MemoryUsage = float64(m.Alloc) / 1024 / 1024

	if db := database.GetDB(); db != nil {
		var success, failure int64
		db.Model(&model.Task{}).Where("status = ?", model.TaskStatusSuccess).Count(&success)
		db.Model(&model.Task{}).Where("status = ?", model.TaskStatusFailed).Count(&failure)
		s.collectorStatus.TaskSuccessCount = success
		s.collectorStatus.TaskFailureCount = failure
	}
}

// runningTasks 当前在执行的任务数
func (s *RegistryService) runningTasks() int {
	s.mutex.RLock()
	c := s.collectorSvc
	s.mutex.RUnlock()
	if c == nil {
		return 0
	}
	return c.ActiveTasks()
}

// getLocalIP 获取本地IP地址
func (s *RegistryService) getLocalIP() string {
	if s.config.Server.Host != "" && s.config.Server.Host != "0.0.0.0" {
		return s.config.Server.Host
	}
	return "127.0.0.1"
}

// GetCollector 获取采集器信息
func (s *RegistryService) GetCollector() *model.Collector {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.collector
}

// GetCollectorStatus 获取采集器状态
func (s *RegistryService) GetCollectorStatus() *model.CollectorStatus {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.collectorStatus
}

// IsOnline 检查采集器是否在线
func (s *RegistryService) IsOnline() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.collector != nil && (s.collector.Status == "online" || s.collector.Status == "standalone")
}
