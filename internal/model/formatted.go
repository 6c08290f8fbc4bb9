package model

import (
	"time"
)

// FormattedRecord 结构化采集结果的通用落库行。
// 平台插件把命令输出解析为目标表行（device_info/version_info/interfaces 等），
// 行数据以 JSON 保存在 Data 中，目标表名保留在 TargetTable 字段用于查询过滤。
type FormattedRecord struct {
	ID         uint   `json:"id" gorm:"primaryKey;autoIncrement"`
	TaskID     string `json:"task_id" gorm:"type:varchar(64);not null;index"`
	TaskStatus string `json:"task_status" gorm:"type:varchar(16);not null"`
	// TargetTable 插件声明的目标表名
	TargetTable string `json:"target_table" gorm:"type:varchar(64);not null;index"`
	DeviceName  string `json:"device_name" gorm:"type:varchar(128)"`
	Platform    string `json:"platform" gorm:"type:varchar(32)"`
	Command     string `json:"command" gorm:"type:text"`
	// Data 行数据（JSON 对象）
	Data string `json:"data" gorm:"type:text;not null"`
	// RawStorePath 原始数据对象路径映射（JSON，命令 -> 对象 URI）
	RawStorePath string    `json:"raw_store_path" gorm:"type:text"`
	CreatedAt    time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 表名
func (FormattedRecord) TableName() string {
	return "formatted_records"
}
