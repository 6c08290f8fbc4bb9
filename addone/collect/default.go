package collect

import (
	"github.com/eapicollectorpro/eapicollectorpro/internal/config"
)

// MinioConfig 原始数据对象存储配置
type MinioConfig struct {
	Host      string
	Port      int
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// DBConfig 格式化数据存储配置
type DBConfig struct {
	Type string // e.g. sqlite
	Path string
	// 由系统支持的表清单名称（如：device_info, interfaces, vlans 等）
	Tables []string
}

// StorageDefaults 存储默认配置
type StorageDefaults struct {
	RawStore MinioConfig
	DBStore  DBConfig
}

// ParseContext 解析上下文
type ParseContext struct {
	Platform string
	Command  string
	// Format 该条输出的编码：json | text
	Format string
	// 以下信息用于落库与拼接
	TaskID   string
	Status   string        // 任务状态（success/failed）
	RawPaths RawStorePaths // 原始数据映射（命令->对象路径）
}

// ParseOutput 解析输出（用于格式化入库）
type ParseOutput struct {
	Platform string
	Command  string
	Raw      string
	Rows     []FormattedRow
}

// CollectPlugin 采集插件接口
type CollectPlugin interface {
	Name() string
	StorageDefaults() StorageDefaults
	// SystemCommands 返回该平台系统内置采集命令（用于 collect_origin=system）
	SystemCommands() []string
	// TextCommands 返回必须以 text 编码执行的命令前缀（无 JSON 转换的命令）
	TextCommands() []string
	// Parse 将命令输出解析为结构化数据；json 编码时 output 为解码后的对象，
	// text 编码时为字符串
	Parse(ctx ParseContext, output interface{}) (ParseOutput, error)
}

// DefaultPlugin 系统默认采集插件
type DefaultPlugin struct{}

func (p *DefaultPlugin) Name() string { return "default" }

func (p *DefaultPlugin) StorageDefaults() StorageDefaults {
	// 默认值
	raw := MinioConfig{
		Host:      "127.0.0.1",
		Port:      9000,
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "eapicollector-raw",
		Secure:    false,
	}
	db := DBConfig{
		Type: "sqlite",
		Path: "./data/collector.db",
		Tables: []string{
			"device_info",
			"version_info",
			"interfaces",
		},
	}

	// 允许通过配置文件 YAML 在运行时覆盖（不修改 Tables）
	if cfg := config.Get(); cfg != nil {
		// MinIO 覆盖
		if m := cfg.Storage.Minio; m.Host != "" {
			raw.Host = m.Host
		}
		if m := cfg.Storage.Minio; m.Port != 0 {
			raw.Port = m.Port
		}
		if m := cfg.Storage.Minio; m.AccessKey != "" {
			raw.AccessKey = m.AccessKey
		}
		if m := cfg.Storage.Minio; m.SecretKey != "" {
			raw.SecretKey = m.SecretKey
		}
		if m := cfg.Storage.Minio; m.Bucket != "" {
			raw.Bucket = m.Bucket
		}
		// 注意：secure 默认为 false，仅当 YAML 明确设置时覆盖
		if m := cfg.Storage.Minio; m.Secure {
			raw.Secure = true
		}

		// SQLite 覆盖（不改 Type 与 Tables）
		if sq := cfg.Database.SQLite; sq.Path != "" {
			db.Path = sq.Path
		}
	}

	return StorageDefaults{RawStore: raw, DBStore: db}
}

// SystemCommands 默认平台不提供内置命令
func (p *DefaultPlugin) SystemCommands() []string { return []string{} }

// TextCommands 默认平台不强制 text 编码
func (p *DefaultPlugin) TextCommands() []string { return []string{} }

func (p *DefaultPlugin) Parse(ctx ParseContext, output interface{}) (ParseOutput, error) {
	// 默认不解析，直接返回原始数据包裹
	return ParseOutput{
		Platform: ctx.Platform,
		Command:  ctx.Command,
		Raw:      RawString(output),
		Rows:     nil,
	}, nil
}
