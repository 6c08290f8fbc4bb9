package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/eapicollectorpro/eapicollectorpro/addone/collect"
	"github.com/eapicollectorpro/eapicollectorpro/internal/config"
	"github.com/eapicollectorpro/eapicollectorpro/internal/database"
	"github.com/eapicollectorpro/eapicollectorpro/internal/model"
	"github.com/eapicollectorpro/eapicollectorpro/pkg/eapi"
	"github.com/eapicollectorpro/eapicollectorpro/pkg/logger"
)

// ====== 请求/响应类型定义 ======

type FormatBatchRequest struct {
	TaskID    string         `json:"task_id"`
	TaskName  string         `json:"task_name,omitempty"`
	TaskBatch int            `json:"task_batch,omitempty"`
	RetryFlag *int           `json:"retry_flag,omitempty"`
	SaveDir   string         `json:"save_dir"`
	Timeout   *int           `json:"timeout,omitempty"`
	Devices   []FormatDevice `json:"devices"`
}

type FormatDevice struct {
	DeviceIP        string   `json:"device_ip"`
	DevicePort      int      `json:"device_port,omitempty"`
	DeviceName      string   `json:"device_name"`
	DevicePlatform  string   `json:"device_platform"`
	CollectProtocol string   `json:"collect_protocol,omitempty"`
	UserName        string   `json:"user_name"`
	Password        string   `json:"password"`
	EnablePassword  string   `json:"enable_password,omitempty"`
	UseTLS          *bool    `json:"use_tls,omitempty"`
	Format          string   `json:"format,omitempty"`
	CliList         []string `json:"cli_list"`
}

// 聚合后的格式化条目
type FormattedItem struct {
	DeviceName    string      `json:"device_name"`
	InfoFormatted interface{} `json:"info_formatted"`
}

// 响应统计与失败信息
type DeviceFailure struct {
	DeviceIP       string `json:"device_ip"`
	DeviceName     string `json:"device_name"`
	DevicePlatform string `json:"device_platform"`
	Error          string `json:"error"`
}
type DeviceCommandFailures struct {
	DeviceIP       string   `json:"device_ip"`
	DeviceName     string   `json:"device_name"`
	DevicePlatform string   `json:"device_platform"`
	FailedCommands []string `json:"failed_commands"`
	FailedRatio    string   `json:"failed_ratio,omitempty"`
}

// 平台插件未覆盖的命令信息
type DeviceParserNotFound struct {
	DeviceName       string   `json:"device_name"`
	DevicePlatform   string   `json:"device_platform"`
	NotFoundCommands []string `json:"notfound_commands"`
	NotFoundRatio    string   `json:"notfound_ratio"`
}

type FormatBatchResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// 前缀到设备名上一层：/{minio_prefix}/{save_dir}/{task_id}/formatted/
	JSONPrefix      string                  `json:"json_prefix"`
	DateTime        string                  `json:"date_time"` // YYYYMMDD_HHMMSS
	LoginFailures   []DeviceFailure         `json:"login_failures"`
	CollectFailures []DeviceCommandFailures `json:"collect_failures"`
	FormatFailures  []DeviceCommandFailures `json:"failed_commands"`
	ParserNotFound  []DeviceParserNotFound  `json:"parser_notfound"`
	Stats           struct {
		TotalDevices  int `json:"total_devices"`
		FullySuccess  int `json:"fully_success_devices"`
		LoginFailed   int `json:"login_failed_devices"`
		CollectFailed int `json:"collect_failed_devices"`
		ParseFailed   int `json:"parse_failed_devices"`
	} `json:"stats"`
	// RowsSaved 本次批量落库的格式化行数
	RowsSaved int            `json:"rows_saved"`
	Stored    []StoredObject `json:"stored_objects,omitempty"`
}

// ====== 快速格式化请求/响应 ======
// 设计目标：复用登录与采集能力，低耦合，仅返回 JSON 结果，不强制写入 MinIO

// FormatFastRequest 针对单台设备的快速格式化请求
type FormatFastRequest struct {
	TaskID    string             `json:"task_id"`
	TaskName  string             `json:"task_name,omitempty"`
	RetryFlag *int               `json:"retry_flag,omitempty"` // 仅用于采集重试，解析只进行一次
	Timeout   *int               `json:"timeout,omitempty"`
	Device    []FormatFastDevice `json:"device"` // 允许传入一个设备（数组便于扩展）
}

// FormatFastDevice 快速格式化设备参数（支持单条命令或命令列表）
type FormatFastDevice struct {
	DeviceIP        string   `json:"device_ip"`
	DevicePort      int      `json:"device_port,omitempty"`
	DeviceName      string   `json:"device_name"`
	DevicePlatform  string   `json:"device_platform"`
	CollectProtocol string   `json:"collect_protocol,omitempty"`
	UserName        string   `json:"user_name"`
	Password        string   `json:"password"`
	EnablePassword  string   `json:"enable_password,omitempty"`
	UseTLS          *bool    `json:"use_tls,omitempty"`
	Format          string   `json:"format,omitempty"`
	Cli             string   `json:"cli,omitempty"`
	CliList         []string `json:"cli_list,omitempty"`
}

// FormatFastResponse 快速格式化响应
// result: success | collect_failed | formatted_failed
type FormatFastResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	TaskID   string `json:"task_id"`
	DateTime string `json:"date_time"`
	Result   string `json:"result"`
	Device   struct {
		DeviceIP       string `json:"device_ip"`
		DeviceName     string `json:"device_name"`
		DevicePlatform string `json:"device_platform"`
	} `json:"device"`
	Raw       []CommandResultView    `json:"raw"`
	Formatted map[string]interface{} `json:"formatted_json"`
}

// ====== 服务定义 ======

// FormatService 格式化服务：采集、平台插件解析、格式化行落库与聚合 JSON 写入。
// 命令执行统一走 ExecAdapter（eAPI 批量执行），解析由 addone/collect 的
// 平台插件完成，本服务只负责调度与结果落地。
type FormatService struct {
	cfg         *config.Config
	exec        *ExecAdapter
	minioWriter *MinioStorageWriter
	running     bool
	mutex       sync.RWMutex
}

func NewFormatService(cfg *config.Config) *FormatService {
	return &FormatService{
		cfg:         cfg,
		exec:        NewExecAdapter(cfg),
		minioWriter: initMinioWriter(cfg),
	}
}

func (s *FormatService) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.running {
		return fmt.Errorf("format service already running")
	}
	s.running = true
	logger.Info("Format service started")
	return nil
}

func (s *FormatService) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	logger.Info("Format service stopped")
	return nil
}

// deviceFormatOutcome 单设备处理结果，汇总阶段合并进响应
type deviceFormatOutcome struct {
	LoginError     string
	TotalCmds      int
	FailedCommands []string
	ParseFailed    []string
	NotFound       []string
	// Items 命令 -> 聚合条目（平台由设备参数确定）
	Items     map[string][]FormattedItem
	Stored    []StoredObject
	RowsSaved int
}

// ExecuteBatch 执行批量格式化流程
func (s *FormatService) ExecuteBatch(ctx context.Context, req *FormatBatchRequest) (*FormatBatchResponse, error) {
	if !s.isRunning() {
		return nil, fmt.Errorf("format service is not running")
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

	start := time.Now()
	dateTime := fmt.Sprintf("%s_%s", start.Format("20060102"), start.Format("150405"))

	// 并发处理各设备，结果按设备序号回填后单线程汇总
	k := s.cfg.Collector.Concurrent
	if k <= 0 {
		k = 1
	}
	sem := make(chan struct{}, k)
	var wg sync.WaitGroup
	outcomes := make([]deviceFormatOutcome, len(req.Devices))

	for i := range req.Devices {
		idx := i
		dev := req.Devices[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				outcomes[idx] = deviceFormatOutcome{LoginError: ctx.Err().Error()}
				return
			}
			outcomes[idx] = s.formatDevice(ctx, req, dev)
		}()
	}
	wg.Wait()

	// 聚合：platform -> cli -> []FormattedItem
	agg := make(map[string]map[string][]FormattedItem)
	loginFailures := make([]DeviceFailure, 0)
	collectFailures := make([]DeviceCommandFailures, 0)
	formatFailures := make([]DeviceCommandFailures, 0)
	parserNotFound := make([]DeviceParserNotFound, 0)
	stored := make([]StoredObject, 0)
	rowsSaved := 0

	for i, out := range outcomes {
		dev := req.Devices[i]
		if out.LoginError != "" {
			loginFailures = append(loginFailures, DeviceFailure{
				DeviceIP:       dev.DeviceIP,
				DeviceName:     dev.DeviceName,
				DevicePlatform: dev.DevicePlatform,
				Error:          out.LoginError,
			})
			continue
		}
		if len(out.FailedCommands) > 0 {
			collectFailures = append(collectFailures, DeviceCommandFailures{
				DeviceIP:       dev.DeviceIP,
				DeviceName:     dev.DeviceName,
				DevicePlatform: dev.DevicePlatform,
				FailedCommands: out.FailedCommands,
			})
		}
		if len(out.ParseFailed) > 0 {
			formatFailures = append(formatFailures, DeviceCommandFailures{
				DeviceIP:       dev.DeviceIP,
				DeviceName:     dev.DeviceName,
				DevicePlatform: dev.DevicePlatform,
				FailedCommands: out.ParseFailed,
				FailedRatio:    fmt.Sprintf("%d/%d", len(out.ParseFailed), maxInt(1, out.TotalCmds)),
			})
		}
		if len(out.NotFound) > 0 {
			parserNotFound = append(parserNotFound, DeviceParserNotFound{
				DeviceName:       dev.DeviceName,
				DevicePlatform:   dev.DevicePlatform,
				NotFoundCommands: out.NotFound,
				NotFoundRatio:    fmt.Sprintf("%d/%d", len(out.NotFound), maxInt(1, out.TotalCmds)),
			})
		}
		p := canonical(dev.DevicePlatform)
		for cli, items := range out.Items {
			if _, ok := agg[p]; !ok {
				agg[p] = make(map[string][]FormattedItem)
			}
			agg[p][cli] = append(agg[p][cli], items...)
		}
		stored = append(stored, out.Stored...)
		rowsSaved += out.RowsSaved
	}

	// 写入聚合 JSON
	for platform, byCmd := range agg {
		for cli, items := range byCmd {
			// 采用缩进美化输出，便于人工阅读与比对
			data, _ := json.MarshalIndent(items, "", "  ")
			obj := s.buildFormattedJSONPath(req.SaveDir, req.TaskID, platform, cli, req.TaskBatch)
			if obj == "" {
				continue
			}
			if so, err := s.minioWriter.PutObject(ctx, obj, data, "application/json; charset=utf-8"); err != nil {
				logger.Warn("Write formatted JSON failed", "obj", obj, "error", err)
			} else {
				stored = append(stored, so)
			}
		}
	}

	// 统计与响应
	resp := &FormatBatchResponse{
		Code:            "SUCCESS",
		Message:         "批量格式化处理完成",
		JSONPrefix:      s.buildJSONPrefix(req.SaveDir, req.TaskID),
		DateTime:        dateTime,
		LoginFailures:   loginFailures,
		CollectFailures: collectFailures,
		FormatFailures:  formatFailures,
		ParserNotFound:  parserNotFound,
		RowsSaved:       rowsSaved,
		Stored:          stored,
	}
	resp.Stats.TotalDevices = len(req.Devices)
	resp.Stats.LoginFailed = len(loginFailures)
	resp.Stats.CollectFailed = uniqueDeviceCount(collectFailures)
	// 解析失败设备数：未覆盖命令与解析失败的并集
	resp.Stats.ParseFailed = unionParseFailedDevicesCount(formatFailures, parserNotFound)
	resp.Stats.FullySuccess = resp.Stats.TotalDevices - resp.Stats.LoginFailed - resp.Stats.ParseFailed

	return resp, nil
}

// formatDevice 处理单台设备：采集（带重试）、原始数据落盘、插件解析、行落库
func (s *FormatService) formatDevice(ctx context.Context, req *FormatBatchRequest, dev FormatDevice) deviceFormatOutcome {
	out := deviceFormatOutcome{Items: map[string][]FormattedItem{}}

	timeout := s.effectiveTimeout(req.Timeout, dev.DevicePlatform)
	retries := s.effectiveRetries(req.RetryFlag, dev.DevicePlatform)
	attempts := retries + 1

	execReq := &ExecRequest{
		DeviceIP:        dev.DeviceIP,
		Port:            dev.DevicePort,
		DeviceName:      dev.DeviceName,
		DevicePlatform:  dev.DevicePlatform,
		CollectProtocol: dev.CollectProtocol,
		UserName:        dev.UserName,
		Password:        dev.Password,
		EnablePassword:  dev.EnablePassword,
		UseTLS:          dev.UseTLS,
		Format:          dev.Format,
		TimeoutSec:      timeout,
		RequestID:       fmt.Sprintf("%s-%s", req.TaskID, dev.DeviceIP),
	}

	var results []*eapi.Result
	var err error
	for try := 0; try < attempts; try++ {
		results, err = s.exec.Execute(ctx, execReq, dev.CliList)
		if err == nil {
			break
		}
		var cmdErr *eapi.CommandError
		if errors.As(err, &cmdErr) {
			// 设备中止批次：结果覆盖全部命令（含未执行占位），不再重试
			break
		}
		if try+1 >= attempts {
			out.LoginError = err.Error()
			return out
		}
	}

	out.TotalCmds = len(results)
	platform := canonical(dev.DevicePlatform)
	defaults := getPlatformDefaults(platform)
	plugin := collect.Get(platform)
	baseFormat := resolveFormat(dev.Format, defaults.Format, s.cfg.Eapi.Format)

	// 原始数据落盘（每设备每命令），对象路径回填到解析上下文
	rawPaths := collect.RawStorePaths{}
	for _, r := range results {
		if !r.Executed {
			out.FailedCommands = append(out.FailedCommands, r.Command)
			continue
		}
		if !r.Success {
			out.FailedCommands = append(out.FailedCommands, r.Command)
			continue
		}
		cli := canonical(r.Command)
		obj := s.buildRawObjectPath(req.SaveDir, req.TaskID, req.TaskBatch, dev.DeviceName, cli)
		if obj == "" {
			continue
		}
		so, werr := s.minioWriter.PutObject(ctx, obj, []byte(rawDeviceOutput(r)), contentTypeOf(r.Output))
		if werr != nil {
			logger.Warn("Write raw to MinIO failed", "device", dev.DeviceName, "cmd", cli, "error", werr)
			continue
		}
		rawPaths[cli] = so.URI
		out.Stored = append(out.Stored, so)
	}

	// 插件解析与行落库
	for _, r := range results {
		if !r.Executed || !r.Success {
			continue
		}
		cli := canonical(r.Command)
		cmdFormat := baseFormat
		if isTextOnly(r.Command, defaults.TextCommands) {
			cmdFormat = eapi.FormatText
		}
		parsed, perr := plugin.Parse(collect.ParseContext{
			Platform: platform,
			Command:  r.Command,
			Format:   string(cmdFormat),
			TaskID:   req.TaskID,
			Status:   collect.TaskStatusSuccess,
			RawPaths: rawPaths,
		}, r.Output)
		if perr != nil {
			out.ParseFailed = append(out.ParseFailed, r.Command)
			out.Items[cli] = append(out.Items[cli], FormattedItem{DeviceName: dev.DeviceName, InfoFormatted: map[string]interface{}{"parsed": []interface{}{}}})
			continue
		}
		if len(parsed.Rows) == 0 {
			out.NotFound = append(out.NotFound, r.Command)
			out.Items[cli] = append(out.Items[cli], FormattedItem{DeviceName: dev.DeviceName, InfoFormatted: map[string]interface{}{"parsed": []interface{}{}}})
			continue
		}
		saved := s.persistRows(dev, cli, parsed.Rows)
		out.RowsSaved += saved
		out.Items[cli] = append(out.Items[cli], FormattedItem{DeviceName: dev.DeviceName, InfoFormatted: parsed.Rows})
	}
	return out
}

// persistRows 把格式化行写入 formatted_records 表，返回成功落库的行数。
// 行携带拼接规则时先尝试与同任务同目标表的已有行合并。
func (s *FormatService) persistRows(dev FormatDevice, cli string, rows []collect.FormattedRow) int {
	if database.GetDB() == nil {
		logger.Warn("Database not initialized, formatted rows not persisted", "device", dev.DeviceName)
		return 0
	}
	saved := 0
	for _, row := range rows {
		data, err := json.Marshal(row.Data)
		if err != nil {
			logger.Warn("Marshal formatted row failed", "table", row.Table, "error", err)
			continue
		}
		rec := &model.FormattedRecord{
			TaskID:       row.Base.TaskID,
			TaskStatus:   row.Base.TaskStatus,
			TargetTable:  row.Table,
			DeviceName:   dev.DeviceName,
			Platform:     canonical(dev.DevicePlatform),
			Command:      cli,
			Data:         string(data),
			RawStorePath: row.Base.RawStoreJSON,
		}
		if row.Merge != nil {
			if merged := s.mergeRow(rec, row); merged {
				saved++
				continue
			}
		}
		err = database.WithRetry(func(db *gorm.DB) error {
			return db.Create(rec).Error
		}, 3, 50*time.Millisecond)
		if err != nil {
			logger.Warn("Persist formatted row failed", "table", row.Table, "error", err)
			continue
		}
		saved++
	}
	return saved
}

// mergeRow 按拼接规则把新行合并进已有记录：同任务同目标表逐行比对
// 匹配字段，命中后合并 Data 并更新。返回是否完成了合并。
func (s *FormatService) mergeRow(rec *model.FormattedRecord, row collect.FormattedRow) bool {
	db := database.GetDB()
	var candidates []model.FormattedRecord
	err := db.Where("task_id = ? AND target_table = ?", rec.TaskID, rec.TargetTable).Find(&candidates).Error
	if err != nil || len(candidates) == 0 {
		return false
	}

	for i := range candidates {
		existing := &candidates[i]
		var existingData map[string]interface{}
		if err := json.Unmarshal([]byte(existing.Data), &existingData); err != nil {
			continue
		}
		if !matchFields(existingData, row.Data, row.Merge.Matches) {
			continue
		}
		// 合并：新值覆盖旧值，未覆盖的键保留
		for k, v := range row.Data {
			existingData[k] = v
		}
		merged, err := json.Marshal(existingData)
		if err != nil {
			return false
		}
		existing.Data = string(merged)
		err = database.WithRetry(func(db *gorm.DB) error {
			return db.Save(existing).Error
		}, 3, 50*time.Millisecond)
		return err == nil
	}
	return false
}

// regexMatch 空表达式视为命中；表达式非法按不命中处理
func regexMatch(pattern, value string) bool {
	if strings.TrimSpace(pattern) == "" {
		return true
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		logger.Warn("Invalid merge regex", "pattern", pattern, "error", err)
		return false
	}
	return re.MatchString(value)
}

// matchFields 逐条核对字段匹配规则，全部命中才算匹配
func matchFields(existing, update map[string]interface{}, matches []collect.FieldMatch) bool {
	if len(matches) == 0 {
		return false
	}
	for _, m := range matches {
		ev := fmt.Sprintf("%v", existing[m.Field])
		uv := fmt.Sprintf("%v", update[m.Field])
		if m.Type == collect.MatchExact {
			if ev == "" || ev != uv {
				return false
			}
			continue
		}
		// 正则匹配：双向规则各自作用于对应侧的值
		if !regexMatch(m.ExistingRegex, ev) || !regexMatch(m.UpdateRegex, uv) {
			return false
		}
	}
	return true
}

// ExecuteFast 针对单台设备的快速格式化流程。
// 仅在采集成功后进行一次解析；采集阶段按 retry_flag 进行重试。
func (s *FormatService) ExecuteFast(ctx context.Context, req *FormatFastRequest) (*FormatFastResponse, error) {
	if !s.isRunning() {
		return nil, fmt.Errorf("format service is not running")
	}
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if strings.TrimSpace(req.TaskID) == "" {
		return nil, fmt.Errorf("task_id is required")
	}
	if len(req.Device) == 0 {
		return nil, fmt.Errorf("device is empty")
	}

	start := time.Now()
	dateTime := fmt.Sprintf("%s_%s", start.Format("20060102"), start.Format("150405"))

	dev := req.Device[0]
	// 兼容单条命令与命令列表
	userCmds := make([]string, 0, maxInt(1, len(dev.CliList)))
	if strings.TrimSpace(dev.Cli) != "" {
		userCmds = []string{dev.Cli}
	} else if len(dev.CliList) > 0 {
		userCmds = append(userCmds, dev.CliList...)
	}
	if len(userCmds) == 0 {
		return nil, fmt.Errorf("cli or cli_list is required")
	}

	resp := &FormatFastResponse{
		Code:      "SUCCESS",
		Message:   "快速格式化处理完成",
		TaskID:    req.TaskID,
		DateTime:  dateTime,
		Raw:       []CommandResultView{},
		Formatted: map[string]interface{}{},
	}
	resp.Device.DeviceIP = dev.DeviceIP
	resp.Device.DeviceName = dev.DeviceName
	resp.Device.DevicePlatform = dev.DevicePlatform

	// 执行采集（仅采集重试，解析仅在成功采集后进行一次）
	timeout := s.effectiveTimeout(req.Timeout, dev.DevicePlatform)
	retries := s.effectiveRetries(req.RetryFlag, dev.DevicePlatform)
	attempts := retries + 1

	execReq := &ExecRequest{
		DeviceIP:        dev.DeviceIP,
		Port:            dev.DevicePort,
		DeviceName:      dev.DeviceName,
		DevicePlatform:  dev.DevicePlatform,
		CollectProtocol: dev.CollectProtocol,
		UserName:        dev.UserName,
		Password:        dev.Password,
		EnablePassword:  dev.EnablePassword,
		UseTLS:          dev.UseTLS,
		Format:          dev.Format,
		TimeoutSec:      timeout,
		RequestID:       fmt.Sprintf("%s-%s", req.TaskID, dev.DeviceIP),
	}

	var results []*eapi.Result
	var err error
	for try := 0; try < attempts; try++ {
		results, err = s.exec.Execute(ctx, execReq, userCmds)
		if err == nil {
			break
		}
		var cmdErr *eapi.CommandError
		if errors.As(err, &cmdErr) {
			break
		}
		if try+1 >= attempts {
			resp.Result = "collect_failed"
			return resp, nil
		}
	}

	// 原始采集信息
	nonEmptyRaw := 0
	for _, r := range results {
		raw := rawDeviceOutput(r)
		if strings.TrimSpace(raw) != "" {
			nonEmptyRaw++
		}
		view := CommandResultView{
			Command:      r.Command,
			RawOutput:    raw,
			Output:       r.Output,
			FormatOutput: []collect.FormattedRow{},
			Success:      r.Success,
			Executed:     r.Executed,
			DurationMS:   int64(r.Duration * 1000),
		}
		if len(r.Errors) > 0 {
			view.Error = strings.Join(r.Errors, "; ")
		}
		resp.Raw = append(resp.Raw, view)
	}

	// 采集结果为空
	if len(resp.Raw) == 0 || nonEmptyRaw == 0 {
		resp.Result = "collect_failed"
		return resp, nil
	}

	// 应用平台插件
	platform := canonical(dev.DevicePlatform)
	defaults := getPlatformDefaults(platform)
	plugin := collect.Get(platform)
	baseFormat := resolveFormat(dev.Format, defaults.Format, s.cfg.Eapi.Format)

	emptyCount := 0
	for _, r := range results {
		cli := canonical(r.Command)
		if !r.Executed || !r.Success {
			resp.Formatted[cli] = map[string]interface{}{"parsed": []interface{}{}}
			emptyCount++
			continue
		}
		cmdFormat := baseFormat
		if isTextOnly(r.Command, defaults.TextCommands) {
			cmdFormat = eapi.FormatText
		}
		parsed, perr := plugin.Parse(collect.ParseContext{
			Platform: platform,
			Command:  r.Command,
			Format:   string(cmdFormat),
			TaskID:   req.TaskID,
			Status:   collect.TaskStatusSuccess,
		}, r.Output)
		if perr != nil || len(parsed.Rows) == 0 {
			resp.Formatted[cli] = map[string]interface{}{"parsed": []interface{}{}}
			emptyCount++
			continue
		}
		resp.Formatted[cli] = map[string]interface{}{"parsed": parsed.Rows}
	}

	// 解析产物为空
	resp.Result = "success"
	if emptyCount >= len(results) {
		resp.Result = "formatted_failed"
	}
	return resp, nil
}

func (s *FormatService) isRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.running
}

func (s *FormatService) effectiveTimeout(reqTimeout *int, platform string) int {
	if reqTimeout != nil && *reqTimeout > 0 {
		return *reqTimeout
	}
	d := getPlatformDefaults(platform)
	if d.TimeoutSec > 0 {
		return d.TimeoutSec
	}
	return 30
}

// effectiveRetries 计算有效重试次数：请求参数优先，其次平台默认，最后回退到 collector.retry_flags
func (s *FormatService) effectiveRetries(reqRetries *int, platform string) int {
	if reqRetries != nil && *reqRetries >= 0 {
		return *reqRetries
	}
	d := getPlatformDefaults(platform)
	if d.Retries > 0 {
		return d.Retries
	}
	if s.cfg != nil && s.cfg.Collector.RetryFlags > 0 {
		return s.cfg.Collector.RetryFlags
	}
	return 0
}

func uniqueDeviceCount(items []DeviceCommandFailures) int {
	seen := map[string]struct{}{}
	for _, it := range items {
		key := it.DeviceIP + "|" + it.DeviceName
		seen[key] = struct{}{}
	}
	return len(seen)
}

// unionParseFailedDevicesCount 解析失败与未覆盖命令设备数的并集
func unionParseFailedDevicesCount(fails []DeviceCommandFailures, notfound []DeviceParserNotFound) int {
	seen := map[string]struct{}{}
	for _, it := range fails {
		seen[it.DeviceName+"|"+it.DevicePlatform] = struct{}{}
	}
	for _, it := range notfound {
		seen[it.DeviceName+"|"+it.DevicePlatform] = struct{}{}
	}
	return len(seen)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ====== 路径构造工具 ======

func (s *FormatService) buildJSONPrefix(saveDir, taskID string) string {
	prefix := strings.TrimSpace(s.cfg.DataFormat.MinioPrefix)
	if prefix == "" {
		prefix = "data-formats"
	}
	parts := []string{"", prefix}
	if sd := strings.TrimSpace(saveDir); sd != "" {
		parts = append(parts, sd)
	}
	if tid := strings.TrimSpace(taskID); tid != "" {
		parts = append(parts, tid)
	}
	parts = append(parts, "formatted")
	return path.Join(parts...) + "/"
}

func (s *FormatService) buildFormattedJSONPath(saveDir, taskID, platform, cli string, batchID int) string {
	prefix := strings.TrimSpace(s.cfg.DataFormat.MinioPrefix)
	if prefix == "" {
		prefix = "data-formats"
	}
	p := canonical(platform)
	c := slug(cli)
	bid := batchID
	if bid <= 0 {
		bid = 1
	}
	// /{minio_prefix}/{save_dir}/{task_id}/formatted/{device_platform}/{cli_name}/formatted_{batch_id}.json
	parts := []string{"", prefix}
	if sd := strings.TrimSpace(saveDir); sd != "" {
		parts = append(parts, sd)
	}
	if tid := strings.TrimSpace(taskID); tid != "" {
		parts = append(parts, tid)
	}
	parts = append(parts, "formatted", p, c)
	fname := fmt.Sprintf("formatted_%d.json", bid)
	return path.Join(path.Join(parts...), fname)
}

func (s *FormatService) buildRawObjectPath(saveDir, taskID string, batchID int, deviceName, cli string) string {
	prefix := strings.TrimSpace(s.cfg.DataFormat.MinioPrefix)
	if prefix == "" {
		prefix = "data-formats"
	}
	dn := slug(deviceName)
	c := slug(cli)
	bid := batchID
	if bid <= 0 {
		bid = 1
	}
	// /{minio_prefix}/{save_dir}/{task_id}/raw/{batch_id}/{device_name}/formatted/{cli_name}.txt
	parts := []string{"", prefix}
	if sd := strings.TrimSpace(saveDir); sd != "" {
		parts = append(parts, sd)
	}
	if tid := strings.TrimSpace(taskID); tid != "" {
		parts = append(parts, tid)
	}
	parts = append(parts, "raw", fmt.Sprintf("%d", bid), dn, "formatted")
	fname := c + ".txt"
	return path.Join(path.Join(parts...), fname)
}
