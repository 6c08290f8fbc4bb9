package service

import (
	"github.com/eapicollectorpro/eapicollectorpro/internal/database"
	"github.com/eapicollectorpro/eapicollectorpro/internal/model"
)

// loadCollectorSettings 读取运维保存的全局采集设置（单行，ID=1）。
// 行不存在或数据库未初始化时返回 nil，表示沿用平台与配置文件默认值。
func loadCollectorSettings() *model.CollectorSettings {
	db := database.GetDB()
	if db == nil {
		return nil
	}
	var st model.CollectorSettings
	if err := db.First(&st, 1).Error; err != nil {
		return nil
	}
	return &st
}
