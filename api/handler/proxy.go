package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/eapicollectorpro/eapicollectorpro/internal/config"
	"github.com/eapicollectorpro/eapicollectorpro/pkg/eapi"
	"github.com/eapicollectorpro/eapicollectorpro/pkg/logger"
)

// EapiProxyHandler eAPI 透传处理器：把调用方给出的命令批次原样
// 组装成一次 runCmds 请求发往设备，返回逐命令重建结果。
// 用于调试命令输出与平台插件开发，不落库、不存储。
type EapiProxyHandler struct {
	cfg *config.Config
}

func NewEapiProxyHandler(cfg *config.Config) *EapiProxyHandler {
	return &EapiProxyHandler{cfg: cfg}
}

// EapiRunRequest 透传执行请求。commands 的元素既可以是字符串，
// 也可以是 {"cmd": "...", "input": "...", "revision": N} 形式的对象。
type EapiRunRequest struct {
	Host               string `json:"host"`
	Port               int    `json:"port,omitempty"`
	Username           string `json:"username"`
	Password           string `json:"password"`
	UseTLS             *bool  `json:"use_tls,omitempty"`
	InsecureSkipVerify *bool  `json:"insecure_skip_verify,omitempty"`
	TimeoutSec         int    `json:"timeout_sec,omitempty"`

	Commands []json.RawMessage `json:"commands"`

	Format          string `json:"format,omitempty"`
	Version         int    `json:"version,omitempty"`
	Timestamps      bool   `json:"timestamps,omitempty"`
	AutoComplete    bool   `json:"auto_complete,omitempty"`
	ExpandAliases   bool   `json:"expand_aliases,omitempty"`
	ContinueOnError bool   `json:"continue_on_error,omitempty"`
	RequestID       string `json:"request_id,omitempty"`
}

// RunCommands 透传执行 eAPI 命令批次
// @Summary 透传执行 eAPI 命令
// @Description 将命令批次组装为单个 runCmds 请求发往设备并返回逐命令结果，
// @Description 批次失败时一并给出已通过、失败与未执行命令的划分
// @Tags eapi
// @Accept json
// @Produce json
// @Param request body EapiRunRequest true "透传执行请求"
// @Success 200 {object} SuccessResponse "执行结果"
// @Failure 400 {object} ErrorResponse "请求参数错误"
// @Failure 502 {object} ErrorResponse "设备不可达或应答异常"
// @Router /api/v1/eapi/run [post]
func (h *EapiProxyHandler) RunCommands(c *gin.Context) {
	var req EapiRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: "INVALID_PARAMS", Message: "请求参数无效: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Host) == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: "MISSING_HOST", Message: "host 不能为空"})
		return
	}
	if len(req.Commands) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: "MISSING_COMMANDS", Message: "commands 不能为空"})
		return
	}

	cmds, err := decodeProxyCommands(req.Commands)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: "INVALID_COMMANDS", Message: err.Error()})
		return
	}

	format := strings.ToLower(strings.TrimSpace(req.Format))
	if format == "" {
		format = h.cfg.Eapi.Format
	}
	if f := eapi.Format(format); format != "" && !f.Valid() {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: "INVALID_FORMAT", Message: "format 仅支持 json 或 text"})
		return
	}
	if req.Version < 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: "INVALID_VERSION", Message: "version 不能为负数"})
		return
	}

	useTLS := h.cfg.Eapi.UseTLS
	if req.UseTLS != nil {
		useTLS = *req.UseTLS
	}
	skipVerify := h.cfg.Eapi.InsecureSkipVerify
	if req.InsecureSkipVerify != nil {
		skipVerify = *req.InsecureSkipVerify
	}
	timeout := h.cfg.Eapi.Timeout
	if req.TimeoutSec > 0 {
		timeout = time.Duration(req.TimeoutSec) * time.Second
	}

	device := eapi.NewDevice(&eapi.DeviceConfig{
		Host:               req.Host,
		Port:               req.Port,
		Username:           req.Username,
		Password:           req.Password,
		UseTLS:             useTLS,
		InsecureSkipVerify: skipVerify,
		Timeout:            timeout,
	})

	eapiReq, err := eapi.NewRequest(cmds, &eapi.RequestOptions{
		ID:              req.RequestID,
		Version:         eapi.Version(req.Version),
		Format:          eapi.Format(format),
		Timestamps:      req.Timestamps,
		AutoComplete:    req.AutoComplete,
		ExpandAliases:   req.ExpandAliases,
		ContinueOnError: req.ContinueOnError,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: "BUILD_FAILED", Message: "请求构造失败: " + err.Error()})
		return
	}

	resp, err := device.Execute(c.Request.Context(), eapiReq)
	if err != nil {
		logger.Error("eAPI proxy execute failed", "host", req.Host, "error", err)
		var statusErr *eapi.StatusError
		if errors.As(err, &statusErr) {
			c.JSON(http.StatusBadGateway, ErrorResponse{Code: "DEVICE_HTTP_ERROR", Message: "设备返回异常状态: " + statusErr.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, ErrorResponse{Code: "DEVICE_UNREACHABLE", Message: "设备请求失败: " + err.Error()})
		return
	}

	data := gin.H{
		"request_id": resp.RequestID,
		"success":    resp.Success(),
		"results":    resp.Results(),
	}
	if !resp.Success() {
		data["error_code"] = resp.ErrorCode
		data["error_message"] = resp.ErrorMessage
		var cmdErr *eapi.CommandError
		if errors.As(resp.Err(), &cmdErr) {
			data["failed_command"] = cmdErr.FailedCommand
		}
	}

	logger.Info("eAPI proxy executed",
		"host", req.Host,
		"commands", len(cmds),
		"success", resp.Success())
	c.JSON(http.StatusOK, SuccessResponse{Code: "SUCCESS", Message: "执行完成", Data: data})
}

// decodeProxyCommands 解码混合形态的命令列表
func decodeProxyCommands(raw []json.RawMessage) ([]eapi.Command, error) {
	cmds := make([]eapi.Command, 0, len(raw))
	for i, elem := range raw {
		var s string
		if err := json.Unmarshal(elem, &s); err == nil {
			if strings.TrimSpace(s) == "" {
				return nil, errCommandAt(i, "命令不能为空串")
			}
			cmds = append(cmds, eapi.SimpleCommand(s))
			continue
		}
		var cc eapi.ComplexCommand
		if err := json.Unmarshal(elem, &cc); err != nil {
			return nil, errCommandAt(i, "既不是字符串也不是命令对象")
		}
		if strings.TrimSpace(cc.Command) == "" {
			return nil, errCommandAt(i, "命令对象缺少 cmd 字段")
		}
		if cc.Revision < 0 {
			return nil, errCommandAt(i, "revision 不能为负数")
		}
		cmds = append(cmds, cc)
	}
	return cmds, nil
}

func errCommandAt(i int, msg string) error {
	return fmt.Errorf("commands[%d]: %s", i, msg)
}
