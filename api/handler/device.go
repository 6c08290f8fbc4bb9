package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/eapicollectorpro/eapicollectorpro/internal/config"
	"github.com/eapicollectorpro/eapicollectorpro/internal/database"
	"github.com/eapicollectorpro/eapicollectorpro/internal/model"
	"github.com/eapicollectorpro/eapicollectorpro/internal/util"
	"github.com/eapicollectorpro/eapicollectorpro/pkg/eapi"
	"github.com/eapicollectorpro/eapicollectorpro/pkg/logger"
)

// DeviceHandler 设备处理器
type DeviceHandler struct {
	cfg *config.Config
}

// NewDeviceHandler 创建设备处理器
func NewDeviceHandler(cfg *config.Config) *DeviceHandler {
	return &DeviceHandler{cfg: cfg}
}

// lookupDevice 按灵活标识定位设备：依次尝试精确ID、ip:port、裸IP
func lookupDevice(db *gorm.DB, idStr string) (*model.DeviceInfo, bool) {
	var device model.DeviceInfo
	if err := db.Where("id = ?", idStr).First(&device).Error; err == nil {
		return &device, true
	}
	if parts := strings.Split(idStr, ":"); len(parts) == 2 {
		if portNum, err := strconv.Atoi(parts[1]); err == nil {
			if err := db.Where("ip = ? AND port = ?", parts[0], portNum).First(&device).Error; err == nil {
				return &device, true
			}
		}
	}
	if err := db.Where("ip = ?", idStr).First(&device).Error; err == nil {
		return &device, true
	}
	return nil, false
}

// sanitizeDevice 返回用于响应的设备副本，抹掉口令字段
func sanitizeDevice(d model.DeviceInfo) model.DeviceInfo {
	d.Password = ""
	return d
}

// CreateDevice 创建设备
// @Summary 创建新设备
// @Description 添加新的设备信息到系统中，口令封存后入库
// @Tags device
// @Accept json
// @Produce json
// @Param device body model.DeviceInfo true "设备信息"
// @Success 201 {object} SuccessResponse "创建成功"
// @Failure 400 {object} ErrorResponse "请求参数错误"
// @Failure 500 {object} ErrorResponse "服务器内部错误"
// @Router /api/v1/devices [post]
func (h *DeviceHandler) CreateDevice(c *gin.Context) {
	var device model.DeviceInfo
	if err := c.ShouldBindJSON(&device); err != nil {
		logger.Error("Invalid device parameters", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_PARAMS",
			Message: "设备参数无效: " + err.Error(),
		})
		return
	}

	if strings.TrimSpace(device.IP) == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "MISSING_IP",
			Message: "设备IP不能为空",
		})
		return
	}
	if device.Port != 0 && (device.Port < 1 || device.Port > 65535) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_PORT",
			Message: "端口号必须在1-65535之间",
		})
		return
	}

	// 设备IP唯一
	db := database.GetDB()
	var existingDevice model.DeviceInfo
	if err := db.Where("ip = ?", device.IP).First(&existingDevice).Error; err == nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "DEVICE_EXISTS",
			Message: "设备已存在（IP相同）",
		})
		return
	}

	if device.Status == "" {
		device.Status = "unknown"
	}
	if device.Platform == "" {
		device.Platform = "arista_eos"
	}
	if device.ID == "" {
		device.ID = uuid.NewString()
	}

	// 口令封存
	if device.Password != "" {
		sealed, err := util.SealSecret(h.cfg.Security.MasterKey, device.Password)
		if err != nil {
			logger.Error("Failed to seal device password", "ip", device.IP, "error", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Code:    "SEAL_FAILED",
				Message: "口令封存失败",
			})
			return
		}
		device.Password = sealed
	}

	if err := db.Create(&device).Error; err != nil {
		logger.Error("Failed to create device", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    "CREATE_FAILED",
			Message: "创建设备失败: " + err.Error(),
		})
		return
	}

	logger.Info("Device created successfully", "device_id", device.ID, "ip", device.IP)
	c.JSON(http.StatusCreated, SuccessResponse{
		Code:    "SUCCESS",
		Message: "设备创建成功",
		Data:    sanitizeDevice(device),
	})
}

// GetDevice 获取设备信息
// @Summary 获取设备详情
// @Description 根据设备ID（或 ip:port、裸IP）获取设备的详细信息
// @Tags device
// @Accept json
// @Produce json
// @Param id path string true "设备ID"
// @Success 200 {object} model.DeviceInfo "设备信息"
// @Failure 404 {object} ErrorResponse "设备不存在"
// @Router /api/v1/devices/{id} [get]
func (h *DeviceHandler) GetDevice(c *gin.Context) {
	device, ok := lookupDevice(database.GetDB(), c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Code: "DEVICE_NOT_FOUND", Message: "设备不存在"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": "SUCCESS", "message": "获取设备信息成功", "data": sanitizeDevice(*device)})
}

// UpdateDevice 更新设备信息
// @Summary 更新设备信息
// @Description 根据设备ID更新设备的信息
// @Tags device
// @Accept json
// @Produce json
// @Param id path string true "设备ID"
// @Param device body model.DeviceInfo true "设备信息"
// @Success 200 {object} SuccessResponse "更新成功"
// @Failure 400 {object} ErrorResponse "请求参数错误"
// @Failure 404 {object} ErrorResponse "设备不存在"
// @Router /api/v1/devices/{id} [put]
func (h *DeviceHandler) UpdateDevice(c *gin.Context) {
	idStr := c.Param("id")
	var updateData model.DeviceInfo
	if err := c.ShouldBindJSON(&updateData); err != nil {
		logger.Error("Invalid update parameters", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: "INVALID_PARAMS", Message: "更新参数无效: " + err.Error()})
		return
	}

	db := database.GetDB()
	device, ok := lookupDevice(db, idStr)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Code: "DEVICE_NOT_FOUND", Message: "设备不存在"})
		return
	}

	// IP 唯一冲突校验：以更新后的 ip 为准
	if ip := strings.TrimSpace(updateData.IP); ip != "" && ip != device.IP {
		var conflict model.DeviceInfo
		if err := db.Where("ip = ? AND id <> ?", ip, device.ID).First(&conflict).Error; err == nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Code: "DEVICE_EXISTS", Message: "设备已存在（IP相同）"})
			return
		}
	}

	// 口令变更时重新封存
	if updateData.Password != "" {
		sealed, err := util.SealSecret(h.cfg.Security.MasterKey, updateData.Password)
		if err != nil {
			logger.Error("Failed to seal device password", "device_id", device.ID, "error", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{Code: "SEAL_FAILED", Message: "口令封存失败"})
			return
		}
		updateData.Password = sealed
	}
	// 主键不可更新
	updateData.ID = ""

	if err := db.Model(device).Updates(&updateData).Error; err != nil {
		logger.Error("Failed to update device", "device_id", idStr, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: "UPDATE_FAILED", Message: "更新设备失败: " + err.Error()})
		return
	}
	logger.Info("Device updated successfully", "device_id", device.ID)
	c.JSON(http.StatusOK, SuccessResponse{Code: "SUCCESS", Message: "设备更新成功", Data: sanitizeDevice(*device)})
}

// DeleteDevice 删除设备
// @Summary 删除设备
// @Description 根据设备ID删除设备
// @Tags device
// @Accept json
// @Produce json
// @Param id path string true "设备ID"
// @Success 200 {object} SuccessResponse "删除成功"
// @Failure 404 {object} ErrorResponse "设备不存在"
// @Router /api/v1/devices/{id} [delete]
func (h *DeviceHandler) DeleteDevice(c *gin.Context) {
	idStr := c.Param("id")
	db := database.GetDB()
	device, ok := lookupDevice(db, idStr)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Code: "DEVICE_NOT_FOUND", Message: "设备不存在"})
		return
	}
	if err := db.Delete(device).Error; err != nil {
		logger.Error("Failed to delete device", "device_id", idStr, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: "DELETE_FAILED", Message: "删除设备失败: " + err.Error()})
		return
	}
	logger.Info("Device deleted successfully", "device_id", device.ID)
	c.JSON(http.StatusOK, SuccessResponse{Code: "SUCCESS", Message: "设备删除成功", Data: gin.H{"id": device.ID}})
}

// ListDevices 获取设备列表
// @Summary 获取设备列表
// @Description 分页获取设备列表，支持按状态和平台筛选
// @Tags device
// @Accept json
// @Produce json
// @Param page query int false "页码" default(1)
// @Param size query int false "每页数量" default(10)
// @Param status query string false "设备状态"
// @Param platform query string false "设备平台"
// @Success 200 {object} map[string]interface{} "设备列表"
// @Router /api/v1/devices [get]
func (h *DeviceHandler) ListDevices(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "10"))
	status := c.Query("status")
	platform := c.Query("platform")
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 10
	}

	db := database.GetDB()
	query := db.Model(&model.DeviceInfo{})

	if status != "" {
		query = query.Where("status = ?", status)
	}
	if platform != "" {
		query = query.Where("platform = ?", strings.ToLower(strings.TrimSpace(platform)))
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		logger.Error("Failed to count devices", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    "COUNT_FAILED",
			Message: "获取设备总数失败: " + err.Error(),
		})
		return
	}

	var devices []model.DeviceInfo
	offset := (page - 1) * size
	if err := query.Offset(offset).Limit(size).Order("ip ASC").Find(&devices).Error; err != nil {
		logger.Error("Failed to list devices", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    "LIST_FAILED",
			Message: "获取设备列表失败: " + err.Error(),
		})
		return
	}
	for i := range devices {
		devices[i] = sanitizeDevice(devices[i])
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    "SUCCESS",
		"message": "获取设备列表成功",
		"data": gin.H{
			"devices": devices,
			"pagination": gin.H{
				"page":  page,
				"size":  size,
				"total": total,
				"pages": (total + int64(size) - 1) / int64(size),
			},
		},
	})
}

// TestConnection 测试设备连接
// @Summary 测试设备连接
// @Description 先做端口连通性探测，再执行 show version 验证 eAPI 凭据，
// @Description 成功时回填设备的型号、版本与序列号
// @Tags device
// @Accept json
// @Produce json
// @Param id path string true "设备ID"
// @Success 200 {object} SuccessResponse "连接测试结果"
// @Failure 404 {object} ErrorResponse "设备不存在"
// @Router /api/v1/devices/{id}/test [post]
func (h *DeviceHandler) TestConnection(c *gin.Context) {
	db := database.GetDB()
	device, ok := lookupDevice(db, c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Code: "DEVICE_NOT_FOUND", Message: "设备不存在"})
		return
	}

	password, err := util.OpenSecret(h.cfg.Security.MasterKey, device.Password)
	if err != nil {
		logger.Error("Failed to open device password", "device_id", device.ID, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: "UNSEAL_FAILED", Message: "口令解封失败"})
		return
	}

	target := eapi.NewDevice(&eapi.DeviceConfig{
		Host:               device.IP,
		Port:               device.Port,
		Username:           device.Username,
		Password:           password,
		UseTLS:             device.UseTLS,
		InsecureSkipVerify: h.cfg.Eapi.InsecureSkipVerify,
		Timeout:            h.cfg.Eapi.Timeout,
	})

	status := "reachable"
	message := "连接测试成功"
	updates := map[string]interface{}{"last_check": time.Now()}

	ctx := c.Request.Context()
	if err := target.CheckConnection(ctx); err != nil {
		status = "unreachable"
		message = "连接测试失败: " + err.Error()
	} else if output, err := target.RunCommand(ctx, eapi.SimpleCommand("show version"), nil); err != nil {
		status = "unreachable"
		message = "eAPI验证失败: " + err.Error()
	} else if body, isObj := output.(map[string]interface{}); isObj {
		// 连接成功时顺带回填设备硬件信息
		if v, ok := body["modelName"].(string); ok && v != "" {
			updates["model"] = v
		}
		if v, ok := body["version"].(string); ok && v != "" {
			updates["version"] = v
		}
		if v, ok := body["serialNumber"].(string); ok && v != "" {
			updates["serial"] = v
		}
		if device.Vendor == "" {
			updates["vendor"] = "arista"
		}
	}
	updates["status"] = status

	if err := db.Model(device).Updates(updates).Error; err != nil {
		logger.Error("Failed to update device status", "device_id", device.ID, "error", err)
	}

	logger.Info("Connection test completed", "device_id", device.ID, "status", status)
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: message,
		Data: gin.H{
			"device_id": device.ID,
			"success":   status == "reachable",
			"status":    status,
		},
	})
}
