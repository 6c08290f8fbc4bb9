package handler

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/eapicollectorpro/eapicollectorpro/internal/config"
	"github.com/eapicollectorpro/eapicollectorpro/internal/database"
	"github.com/eapicollectorpro/eapicollectorpro/internal/model"
	"github.com/eapicollectorpro/eapicollectorpro/pkg/logger"
)

// AdminHandler 管理相关处理器
type AdminHandler struct{}

func NewAdminHandler() *AdminHandler { return &AdminHandler{} }

// DeviceDefaultsUpdate 可更新的平台默认采集参数（部分字段）
type DeviceDefaultsUpdate struct {
	Commands     []string `json:"commands"`
	Format       string   `json:"format"`
	Version      *int     `json:"version"`
	Timestamps   *bool    `json:"timestamps"`
	TextCommands []string `json:"text_commands"`
	Port         *int     `json:"port"`
	TimeoutSec   *int     `json:"timeout_sec"`
	Retries      *int     `json:"retries"`
}

// GetDeviceDefaults 获取各平台默认采集参数
func (h *AdminHandler) GetDeviceDefaults(c *gin.Context) {
	cfg := config.Get()
	if cfg == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "CONFIG_MISSING", "message": "配置未初始化"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    "SUCCESS",
		"message": "获取平台默认参数成功",
		"data":    cfg.Collector.DeviceDefaults,
	})
}

// UpdateDeviceDefaults 更新指定平台的默认采集参数（内存生效，暂不持久化）
func (h *AdminHandler) UpdateDeviceDefaults(c *gin.Context) {
	platform := strings.ToLower(strings.TrimSpace(c.Param("platform")))
	if platform == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PLATFORM", "message": "平台名不能为空"})
		return
	}

	var req DeviceDefaultsUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Error("Invalid device defaults update", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PARAMS", "message": "参数解析失败: " + err.Error()})
		return
	}
	if f := strings.ToLower(strings.TrimSpace(req.Format)); f != "" && f != "json" && f != "text" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_FORMAT", "message": "format 仅支持 json 或 text"})
		return
	}
	if req.Port != nil && (*req.Port < 0 || *req.Port > 65535) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PORT", "message": "端口号必须在0-65535之间"})
		return
	}

	cfg := config.Get()
	if cfg == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "CONFIG_MISSING", "message": "配置未初始化"})
		return
	}
	if cfg.Collector.DeviceDefaults == nil {
		cfg.Collector.DeviceDefaults = map[string]config.PlatformDefaultsConfig{}
	}

	// 读取或初始化该平台配置；新建项在配置热加载时会被文件内容覆盖，
	// 持久化需用户手工写回 configs/config.yaml
	dd := cfg.Collector.DeviceDefaults[platform]

	// 应用更新
	if req.Commands != nil {
		dd.Commands = req.Commands
	}
	if strings.TrimSpace(req.Format) != "" {
		dd.Format = strings.ToLower(strings.TrimSpace(req.Format))
	}
	if req.Version != nil {
		dd.Version = *req.Version
	}
	if req.Timestamps != nil {
		dd.Timestamps = *req.Timestamps
	}
	if req.TextCommands != nil {
		dd.TextCommands = req.TextCommands
	}
	if req.Port != nil {
		dd.Port = *req.Port
	}
	if req.TimeoutSec != nil {
		dd.TimeoutSec = *req.TimeoutSec
	}
	if req.Retries != nil {
		dd.Retries = *req.Retries
	}

	cfg.Collector.DeviceDefaults[platform] = dd

	logger.Info("Device defaults updated", "platform", platform)
	c.JSON(http.StatusOK, gin.H{
		"code":    "SUCCESS",
		"message": "更新成功（仅运行时生效）",
		"data":    cfg.Collector.DeviceDefaults[platform],
	})
}

// GetDeviceDefaultsYAML 生成当前运行时平台默认参数的 YAML 片段，
// 供运维人员粘贴回 configs/config.yaml 做持久化
func (h *AdminHandler) GetDeviceDefaultsYAML(c *gin.Context) {
	cfg := config.Get()
	if cfg == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "CONFIG_MISSING", "message": "配置未初始化"})
		return
	}
	snippet, err := composeDeviceDefaultsYAML(cfg.Collector.DeviceDefaults)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "YAML_ERROR", "message": "序列化失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": "SUCCESS", "message": "OK", "data": gin.H{"yaml": snippet}})
}

// ExportDeviceDefaultsYAML 将运行时平台默认参数写入 configs/auto-eapi.yaml
func (h *AdminHandler) ExportDeviceDefaultsYAML(c *gin.Context) {
	cfg := config.Get()
	if cfg == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "CONFIG_MISSING", "message": "配置未初始化"})
		return
	}
	if len(cfg.Collector.DeviceDefaults) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "EMPTY", "message": "尚未配置任何平台默认参数"})
		return
	}
	snippet, err := composeDeviceDefaultsYAML(cfg.Collector.DeviceDefaults)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "YAML_ERROR", "message": "序列化失败: " + err.Error()})
		return
	}

	outPath := filepath.Join("configs", "auto-eapi.yaml")
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "IO_ERROR", "message": "创建目录失败: " + err.Error()})
		return
	}
	if err := os.WriteFile(outPath, []byte(snippet), 0644); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "IO_ERROR", "message": "写入文件失败: " + err.Error()})
		return
	}
	logger.Info("Device defaults exported", "path", outPath)
	c.JSON(http.StatusOK, gin.H{"code": "SUCCESS", "message": "YAML生成成功", "data": gin.H{"path": outPath}})
}

// composeDeviceDefaultsYAML 生成 collector.device_defaults 结构的 YAML 文本。
// 平台按名称排序且 default 恒在最前，保证多次导出内容稳定。
func composeDeviceDefaultsYAML(defaults map[string]config.PlatformDefaultsConfig) (string, error) {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		if keys[i] == "default" && keys[j] != "default" {
			return true
		}
		if keys[i] != "default" && keys[j] == "default" {
			return false
		}
		return keys[i] < keys[j]
	})

	var b strings.Builder
	b.WriteString("collector:\n")
	b.WriteString("  device_defaults:\n")
	for _, k := range keys {
		body, err := yaml.Marshal(platformDefaultsMap(defaults[k]))
		if err != nil {
			return "", err
		}
		b.WriteString(fmt.Sprintf("    %s:\n", k))
		b.WriteString(indentBlock("      ", string(body)))
	}
	return b.String(), nil
}

// platformDefaultsMap 只导出被设置过的字段，保持片段精简
func platformDefaultsMap(pd config.PlatformDefaultsConfig) map[string]interface{} {
	m := map[string]interface{}{}
	if len(pd.Commands) > 0 {
		m["commands"] = pd.Commands
	}
	if pd.Format != "" {
		m["format"] = pd.Format
	}
	if pd.Version != 0 {
		m["version"] = pd.Version
	}
	if pd.Timestamps {
		m["timestamps"] = pd.Timestamps
	}
	if len(pd.TextCommands) > 0 {
		m["text_commands"] = pd.TextCommands
	}
	if pd.Port != 0 {
		m["port"] = pd.Port
	}
	if pd.TimeoutSec != 0 {
		m["timeout_sec"] = pd.TimeoutSec
	}
	if pd.Retries != 0 {
		m["retries"] = pd.Retries
	}
	return m
}

// indentBlock 逐行加前缀
func indentBlock(prefix, s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	var b strings.Builder
	for _, ln := range lines {
		b.WriteString(prefix)
		b.WriteString(ln)
		b.WriteString("\n")
	}
	return b.String()
}

// CollectorSettingsUpdate 可更新的全局采集设置（部分字段）
type CollectorSettingsUpdate struct {
	RetryFlag *int   `json:"retry_flag"`
	Timeout   *int   `json:"timeout"`
	Format    string `json:"format"`
}

// GetSettings 获取全局采集设置；尚未保存过时返回配置文件推导的默认值
func (h *AdminHandler) GetSettings(c *gin.Context) {
	cfg := config.Get()
	if cfg == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "CONFIG_MISSING", "message": "配置未初始化"})
		return
	}
	db := database.GetDB()
	if db == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "DB_NOT_READY", "message": "数据库未初始化"})
		return
	}

	var st model.CollectorSettings
	err := db.First(&st, 1).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "DB_ERROR", "message": "读取设置失败: " + err.Error()})
		return
	}

	persisted := err == nil
	if !persisted {
		st = model.CollectorSettings{
			ID:        1,
			RetryFlag: cfg.Collector.RetryFlags,
			Timeout:   int(cfg.Eapi.Timeout.Seconds()),
			Format:    cfg.Eapi.Format,
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    "SUCCESS",
		"message": "获取设置成功",
		"data": gin.H{
			"retry_flag": st.RetryFlag,
			"timeout":    st.Timeout,
			"format":     st.Format,
			"persisted":  persisted,
			"updated_at": st.UpdatedAt,
		},
	})
}

// UpdateSettings 保存全局采集设置（单行记录，保存后立即生效）
func (h *AdminHandler) UpdateSettings(c *gin.Context) {
	var req CollectorSettingsUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PARAMS", "message": "参数解析失败: " + err.Error()})
		return
	}
	if req.RetryFlag != nil && *req.RetryFlag < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_RETRY", "message": "retry_flag 不能为负数"})
		return
	}
	if req.Timeout != nil && (*req.Timeout < 1 || *req.Timeout > 300) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_TIMEOUT", "message": "timeout 必须在1-300秒之间"})
		return
	}
	if f := strings.ToLower(strings.TrimSpace(req.Format)); f != "" && f != "json" && f != "text" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_FORMAT", "message": "format 仅支持 json 或 text"})
		return
	}

	db := database.GetDB()
	if db == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "DB_NOT_READY", "message": "数据库未初始化"})
		return
	}

	var st model.CollectorSettings
	if err := db.First(&st, 1).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"code": "DB_ERROR", "message": "读取设置失败: " + err.Error()})
			return
		}
		st = model.CollectorSettings{ID: 1, Timeout: 30, Format: "json"}
	}

	if req.RetryFlag != nil {
		st.RetryFlag = *req.RetryFlag
	}
	if req.Timeout != nil {
		st.Timeout = *req.Timeout
	}
	if f := strings.ToLower(strings.TrimSpace(req.Format)); f != "" {
		st.Format = f
	}

	if err := database.WithRetry(func(d *gorm.DB) error { return d.Save(&st).Error }, 6, 100*time.Millisecond); err != nil {
		logger.Error("Save collector settings failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "DB_ERROR", "message": "保存设置失败: " + err.Error()})
		return
	}

	logger.Info("Collector settings updated", "retry_flag", st.RetryFlag, "timeout", st.Timeout, "format", st.Format)
	c.JSON(http.StatusOK, gin.H{
		"code":    "SUCCESS",
		"message": "设置保存成功",
		"data": gin.H{
			"retry_flag": st.RetryFlag,
			"timeout":    st.Timeout,
			"format":     st.Format,
		},
	})
}
