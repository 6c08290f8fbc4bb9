package handler

import (
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/eapicollectorpro/eapicollectorpro/addone/collect"
	"github.com/eapicollectorpro/eapicollectorpro/internal/config"
)

// PlatformsHandler 平台目录处理器：展示已注册采集插件的能力，
// 供调用方决定 system 批量采集可用的平台与命令集
type PlatformsHandler struct{}

func NewPlatformsHandler() *PlatformsHandler { return &PlatformsHandler{} }

// PlatformView 单个平台的能力描述（插件内置值与配置覆盖合并后的有效值）
type PlatformView struct {
	Name           string   `json:"name"`
	SystemCommands []string `json:"system_commands"`
	TextCommands   []string `json:"text_commands"`
	Format         string   `json:"format"`
	Tables         []string `json:"tables"`
}

// ListPlatforms GET /api/v1/platforms
func (h *PlatformsHandler) ListPlatforms(c *gin.Context) {
	q := strings.ToLower(strings.TrimSpace(c.Query("q")))

	names := collect.Names()
	sort.Strings(names)

	views := make([]PlatformView, 0, len(names))
	for _, name := range names {
		// default 插件是解析兜底，不是可选平台
		if name == "default" {
			continue
		}
		if q != "" && !strings.Contains(name, q) {
			continue
		}

		plugin := collect.Get(name)
		v := PlatformView{
			Name:           name,
			SystemCommands: plugin.SystemCommands(),
			TextCommands:   plugin.TextCommands(),
			Tables:         plugin.StorageDefaults().DBStore.Tables,
		}
		if cfg := config.Get(); cfg != nil {
			if pd, ok := cfg.Collector.DeviceDefaults[name]; ok {
				if len(pd.Commands) > 0 {
					v.SystemCommands = pd.Commands
				}
				if len(pd.TextCommands) > 0 {
					v.TextCommands = pd.TextCommands
				}
				v.Format = pd.Format
			}
			if v.Format == "" {
				v.Format = cfg.Eapi.Format
			}
		}
		if v.Format == "" {
			v.Format = "json"
		}
		views = append(views, v)
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    "SUCCESS",
		"message": "获取平台列表成功",
		"data":    views,
		"total":   len(views),
	})
}
