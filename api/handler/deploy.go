package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/eapicollectorpro/eapicollectorpro/internal/config"
	"github.com/eapicollectorpro/eapicollectorpro/internal/service"
)

type DeployHandler struct {
	svc *service.DeployService
}

func NewDeployHandler(svc *service.DeployService) *DeployHandler {
	return &DeployHandler{svc: svc}
}

// FastDeploy 处理 api/v1/deploy/fast
func (h *DeployHandler) FastDeploy(c *gin.Context) {
	var req service.DeployFastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	if strings.TrimSpace(req.TaskID) == "" || len(req.Devices) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PARAMS", "message": "task_id and devices are required"})
		return
	}

	// 默认 task_type 为 exec
	if strings.TrimSpace(req.TaskType) == "" {
		req.TaskType = "exec"
	}
	if tt := strings.ToLower(strings.TrimSpace(req.TaskType)); tt != "exec" && tt != "dry_run" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PARAMS", "message": "task_type must be exec or dry_run"})
		return
	}

	// 默认超时时间：优先使用全局 eapi.timeout；否则回退 15s
	if req.Timeout <= 0 {
		if cfg := config.Get(); cfg != nil && cfg.Eapi.Timeout > 0 {
			req.Timeout = int(cfg.Eapi.Timeout.Seconds())
		} else {
			req.Timeout = 15
		}
	}

	resp, err := h.svc.ExecuteFast(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "DEPLOY_FAILED", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}
