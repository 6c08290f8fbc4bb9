package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eapicollectorpro/eapicollectorpro/addone/collect"
	"github.com/eapicollectorpro/eapicollectorpro/internal/config"
	"github.com/eapicollectorpro/eapicollectorpro/internal/util"
	"github.com/eapicollectorpro/eapicollectorpro/pkg/eapi"
	"github.com/eapicollectorpro/eapicollectorpro/pkg/logger"
)

// BackupService 配置备份服务：批量抓取设备输出并落盘（本地或 MinIO）
type BackupService struct {
	config        *config.Config
	running       bool
	workers       chan struct{}
	exec          *ExecAdapter
	storageWriter StorageWriter
}

// NewBackupService 创建备份服务
func NewBackupService(cfg *config.Config) *BackupService {
	maxWorkers := cfg.Collector.Concurrent
	if maxWorkers <= 0 {
		maxWorkers = 16
	}
	return &BackupService{
		config:        cfg,
		workers:       make(chan struct{}, maxWorkers),
		exec:          NewExecAdapter(cfg),
		storageWriter: NewStorageWriter(cfg),
	}
}

// Start 启动服务
func (s *BackupService) Start(ctx context.Context) error {
	if s.running {
		return fmt.Errorf("backup service is already running")
	}
	s.running = true
	logger.Info("Backup service started")
	return nil
}

// Stop 停止服务
func (s *BackupService) Stop() error {
	if !s.running {
		return nil
	}
	s.running = false
	logger.Info("Backup service stopped")
	return nil
}

// ExecuteBatch 执行批量备份
func (s *BackupService) ExecuteBatch(ctx context.Context, req *BackupBatchRequest) (*BackupBatchResponse, error) {
	if !s.running {
		return nil, fmt.Errorf("backup service is not running")
	}
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if strings.TrimSpace(req.TaskID) == "" {
		return nil, fmt.Errorf("task_id is required")
	}
	if len(req.Devices) == 0 {
		return nil, fmt.Errorf("devices is empty")
	}

	// 并发执行各设备备份，结果按设备序号回填
	out := make([]DeviceBackupResponse, len(req.Devices))
	var g errgroup.Group

	for i := range req.Devices {
		idx := i
		dev := req.Devices[i]

		g.Go(func() error {
			// 队列限流：等待工作令牌，避免 HTTP ctx 过早结束
			effTimeout := s.effectiveTimeout(req.Timeout, dev.DevicePlatform)
			waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Duration(effTimeout)*time.Second)
			defer waitCancel()
			select {
			case s.workers <- struct{}{}:
				defer func() { <-s.workers }()
			case <-waitCtx.Done():
				out[idx] = DeviceBackupResponse{
					DeviceIP:       dev.DeviceIP,
					Port:           s.displayPort(dev),
					DeviceName:     dev.DeviceName,
					DevicePlatform: dev.DevicePlatform,
					TaskID:         req.TaskID,
					TaskBatch:      req.TaskBatch,
					Success:        false,
					Error:          fmt.Sprintf("queue wait timeout after %ds", effTimeout),
					Timestamp:      time.Now(),
				}
				return nil
			}

			out[idx] = s.backupDevice(ctx, req, dev, effTimeout)
			return nil
		})
	}

	_ = g.Wait()

	// 汇总响应
	final := &BackupBatchResponse{
		Code:    "SUCCESS",
		Message: "batch backup executed",
		Data:    out,
		Total:   len(out),
	}
	for _, r := range out {
		if !r.Success {
			final.Code = "PARTIAL_SUCCESS"
			final.Message = "some devices failed"
			break
		}
	}
	return final, nil
}

// backupDevice 执行单台设备的备份：采集、逐命令落盘、可选聚合落盘
func (s *BackupService) backupDevice(ctx context.Context, req *BackupBatchRequest, dev BackupDevice, effTimeout int) DeviceBackupResponse {
	start := time.Now()
	resp := DeviceBackupResponse{
		DeviceIP:       dev.DeviceIP,
		Port:           s.displayPort(dev),
		DeviceName:     dev.DeviceName,
		DevicePlatform: dev.DevicePlatform,
		TaskID:         req.TaskID,
		TaskBatch:      req.TaskBatch,
		Timestamp:      start,
	}

	// 备份输出默认 text 编码，保持设备配置原样
	format := strings.TrimSpace(dev.Format)
	if format == "" {
		format = string(eapi.FormatText)
	}
	execReq := &ExecRequest{
		DeviceIP:        dev.DeviceIP,
		Port:            dev.Port,
		DeviceName:      dev.DeviceName,
		DevicePlatform:  dev.DevicePlatform,
		CollectProtocol: dev.CollectProtocol,
		UserName:        dev.UserName,
		Password:        dev.Password,
		EnablePassword:  dev.EnablePassword,
		UseTLS:          dev.UseTLS,
		Format:          format,
		TimeoutSec:      effTimeout,
		RequestID:       fmt.Sprintf("%s-%s", req.TaskID, dev.DeviceIP),
	}

	results, err := s.exec.Execute(ctx, execReq, dev.CliList)
	if err != nil {
		resp.Error = err.Error()
		if len(results) == 0 {
			// 传输失败：没有任何结果可落盘
			resp.Success = false
			resp.DurationMS = time.Since(start).Milliseconds()
			return resp
		}
		// 设备中止批次：保留已执行部分的输出继续落盘，便于诊断
	}

	date := time.Now().Format("20060102")
	backend := strings.TrimSpace(req.StorageBackend)
	if backend == "" {
		backend = strings.TrimSpace(s.config.Backup.StorageBackend)
	}
	if backend == "" {
		backend = "local"
	}

	resp.Results = make([]CommandBackupResult, 0, len(results))
	for _, r := range results {
		raw := rawDeviceOutput(r)

		stored := []StoredObject{}
		storeErrMsg := ""
		// 仅落盘成功执行的命令；aggregate_only 启用时跳过逐命令写入
		if r.Executed && r.Success && !s.config.Backup.Aggregate.AggregateOnly {
			meta := StorageMeta{
				SaveDir:      req.SaveDir,
				DateYYYYMMDD: date,
				TimeHHMMSS:   start.Format("150405"),
				TaskID:       req.TaskID,
				DeviceName:   dev.DeviceName,
				DeviceIP:     dev.DeviceIP,
				CommandSlug:  r.Command,
				Backend:      backend,
			}
			obj, werr := s.storageWriter.Write(ctx, meta, raw, contentTypeOf(r.Output))
			if obj.URI != "" {
				stored = append(stored, obj)
			}
			if werr != nil {
				storeErrMsg = werr.Error()
			}
		}

		errMsg := strings.Join(r.Errors, "; ")
		if errMsg == "" {
			errMsg = storeErrMsg
		}
		resp.Results = append(resp.Results, CommandBackupResult{
			Command:        r.Command,
			RawOutput:      raw,
			RawOutputLines: splitLines(raw),
			StoredObjects:  stored,
			Success:        r.Success,
			Executed:       r.Executed,
			DurationMS:     int64(r.Duration * 1000),
			Error:          errMsg,
		})
	}

	// 聚合写入：受配置控制，将所有成功命令输出汇总到单一文件
	// 当 aggregate_only=true 时，即便未显式开启 enabled，也生成聚合文件
	if s.config.Backup.Aggregate.Enabled || s.config.Backup.Aggregate.AggregateOnly {
		s.writeAggregate(ctx, req, dev, &resp, start, date, backend)
	}

	// 成功条件：至少有结果且不含致命错误
	resp.Success = len(resp.Results) > 0 && resp.Error == ""
	resp.DurationMS = time.Since(start).Milliseconds()
	return resp
}

// writeAggregate 生成并写入聚合文件，结果附加到 resp.Results
func (s *BackupService) writeAggregate(ctx context.Context, req *BackupBatchRequest, dev BackupDevice, resp *DeviceBackupResponse, start time.Time, date, backend string) {
	var aggBuilder strings.Builder
	devName := strings.TrimSpace(dev.DeviceName)
	if devName == "" {
		devName = dev.DeviceIP
	}
	ts := start.Format("2006-01-02 15:04:05")
	for _, r := range resp.Results {
		if !r.Executed {
			continue
		}
		cmdTitle := strings.TrimSpace(r.Command)
		if cmdTitle == "" {
			cmdTitle = "unknown"
		}
		// 段落头：=== <cmd> ===，下一行附设备名与时间
		aggBuilder.WriteString("=== ")
		aggBuilder.WriteString(cmdTitle)
		aggBuilder.WriteString(" ===\n")
		aggBuilder.WriteString("Device: ")
		aggBuilder.WriteString(devName)
		aggBuilder.WriteString(" | Time: ")
		aggBuilder.WriteString(ts)
		aggBuilder.WriteString("\n")
		if r.RawOutput != "" {
			aggBuilder.WriteString(r.RawOutput)
			if !strings.HasSuffix(r.RawOutput, "\n") {
				aggBuilder.WriteString("\n")
			}
		}
		aggBuilder.WriteString("\n")
	}
	aggContent := aggBuilder.String()
	if strings.TrimSpace(aggContent) == "" {
		return
	}

	// 聚合文件名可配置，允许带扩展名
	aggName := strings.TrimSpace(s.config.Backup.Aggregate.Filename)
	if aggName == "" {
		aggName = "all_cli.txt"
	}
	metaAll := StorageMeta{
		SaveDir:      req.SaveDir,
		DateYYYYMMDD: date,
		TimeHHMMSS:   start.Format("150405"),
		TaskID:       req.TaskID,
		DeviceName:   dev.DeviceName,
		DeviceIP:     dev.DeviceIP,
		CommandSlug:  aggName,
		Backend:      backend,
	}
	obj, werr := s.storageWriter.Write(ctx, metaAll, aggContent, "text/plain; charset=utf-8")
	storedList := []StoredObject{}
	if obj.URI != "" {
		storedList = []StoredObject{obj}
	}
	errMsg := ""
	if werr != nil {
		errMsg = werr.Error()
	}
	resp.Results = append(resp.Results, CommandBackupResult{
		Command:        aggName,
		RawOutput:      aggContent,
		RawOutputLines: splitLines(aggContent),
		StoredObjects:  storedList,
		Success:        errMsg == "",
		Executed:       true,
		Error:          errMsg,
	})
}

// displayPort 返回对外展示的设备端口，未显式指定时按 TLS 配置取协议默认
func (s *BackupService) displayPort(dev BackupDevice) int {
	if dev.Port >= 1 && dev.Port <= 65535 {
		return dev.Port
	}
	useTLS := s.config.Eapi.UseTLS
	if dev.UseTLS != nil {
		useTLS = *dev.UseTLS
	}
	scheme := "http"
	if useTLS {
		scheme = "https"
	}
	if p, err := eapi.PortForScheme(scheme); err == nil {
		return p
	}
	if useTLS {
		return 443
	}
	return 80
}

func (s *BackupService) effectiveTimeout(reqTimeout *int, platform string) int {
	if reqTimeout != nil && *reqTimeout > 0 {
		return *reqTimeout
	}
	d := getPlatformDefaults(platform)
	if d.TimeoutSec > 0 {
		return d.TimeoutSec
	}
	return 30
}

// rawDeviceOutput 把命令输出还原为文本：text 输出规整换行，json 输出缩进编码
func rawDeviceOutput(r *eapi.Result) string {
	if str, ok := r.Output.(string); ok {
		return util.NormalizeDeviceOutput(str)
	}
	return collect.RawString(r.Output)
}

// contentTypeOf 按输出类型推断存储内容类型
func contentTypeOf(output interface{}) string {
	if _, ok := output.(string); ok {
		return "text/plain; charset=utf-8"
	}
	return "application/json; charset=utf-8"
}

func splitLines(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, "\n")
}
