package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Collector  CollectorConfig  `mapstructure:"collector"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Eapi       EapiConfig       `mapstructure:"eapi"`
	Log        LogConfig        `mapstructure:"log"`
	Backup     BackupConfig     `mapstructure:"backup"`
	DataFormat DataFormatConfig `mapstructure:"data_format"`
	Deploy     DeployConfig     `mapstructure:"deploy"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Controller ControllerConfig `mapstructure:"controller"`
	Events     EventsConfig     `mapstructure:"events"`
	Security   SecurityConfig   `mapstructure:"security"`
	Simulate   SimulateConfig   `mapstructure:"simulate"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Mode           string        `mapstructure:"mode"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	SimulateEnable bool          `mapstructure:"simulate_enable"`
}

// CollectorConfig 采集器配置
type CollectorConfig struct {
	ID         string   `mapstructure:"id"`
	Type       string   `mapstructure:"type"`
	Version    string   `mapstructure:"version"`
	Tags       []string `mapstructure:"tags"`
	Threads    int      `mapstructure:"threads"`
	Concurrent int      `mapstructure:"concurrent"`
	// RetryFlags 默认重试次数：接口未指定时使用
	RetryFlags int `mapstructure:"retry_flags"`
	// ConcurrencyProfile 并发档位：S/M/L/XL（优先级高于 concurrent 数值）
	ConcurrencyProfile string `mapstructure:"concurrency_profile"`
	// ConcurrencyProfiles 并发档位映射：每个档位同时指定并发与线程数
	ConcurrencyProfiles map[string]ConcurrencyProfileConfig `mapstructure:"concurrency_profiles"`
	// DeviceDefaults 按设备平台加载的 eAPI 采集默认项（命令集、编码、文本白名单）
	DeviceDefaults map[string]PlatformDefaultsConfig `mapstructure:"device_defaults"`
}

// ConcurrencyProfileConfig 并发档位配置：并发与线程数
type ConcurrencyProfileConfig struct {
	Concurrent int `mapstructure:"concurrent"`
	Threads    int `mapstructure:"threads"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// SQLiteConfig SQLite配置
type SQLiteConfig struct {
	Path            string        `mapstructure:"path"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// StorageConfig 采集数据存储配置（用于原始与格式化数据）
type StorageConfig struct {
	Minio MinioConfig `mapstructure:"minio"`
}

// DataFormatConfig 格式化数据相关配置
type DataFormatConfig struct {
	// MinioPrefix 用于格式化数据在 MinIO 中的顶层路径（不含 bucket）
	MinioPrefix string `mapstructure:"minio_prefix"`
}

// DeployConfig 配置下发相关配置
type DeployConfig struct {
	// SessionPrefix 会话名前缀：最终会话名为 <prefix>-<task_id>
	SessionPrefix string `mapstructure:"session_prefix"`
	// CommitTimer 提交确认窗口（HH:MM:SS，空串表示直接提交）
	CommitTimer string `mapstructure:"commit_timer"`
	// DeployWaitMS 下发前后采集等待时间（毫秒）
	DeployWaitMS int `mapstructure:"deploy_wait_ms"`
}

// BackupConfig 备份服务配置
type BackupConfig struct {
	// StorageBackend 默认存储后端：local | minio
	StorageBackend string `mapstructure:"storage_backend"`
	// Prefix 顶层保存目录前缀（与请求中的 save_dir 组合）
	Prefix string            `mapstructure:"prefix"`
	Local  LocalBackupConfig `mapstructure:"local"`
	// Aggregate 聚合配置（是否将所有命令输出写入单一文件）
	Aggregate AggregateConfig `mapstructure:"aggregate"`
}

// LocalBackupConfig 本地存储配置
type LocalBackupConfig struct {
	BaseDir        string `mapstructure:"base_dir"`
	Prefix         string `mapstructure:"prefix"`
	MkdirIfMissing bool   `mapstructure:"mkdir_if_missing"`
	Compress       bool   `mapstructure:"compress"`
}

// AggregateConfig 聚合写入配置
type AggregateConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Filename string `mapstructure:"filename"` // 可带扩展名，例如 all_cli.txt
	// AggregateOnly 启用后仅生成聚合文件，跳过逐命令写入
	AggregateOnly bool `mapstructure:"aggregate_only"`
}

// MinioConfig 对象存储配置（原始数据）
type MinioConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Secure    bool   `mapstructure:"secure"`
}

// EapiConfig eAPI 客户端默认配置（接口或平台未指定时使用）
type EapiConfig struct {
	// Port 为 0 时按协议取默认端口（https 443 / http 80）
	Port               int           `mapstructure:"port"`
	UseTLS             bool          `mapstructure:"use_tls"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	Timeout            time.Duration `mapstructure:"timeout"`
	// Format 默认输出编码：json | text
	Format        string `mapstructure:"format"`
	Timestamps    bool   `mapstructure:"timestamps"`
	AutoComplete  bool   `mapstructure:"auto_complete"`
	ExpandAliases bool   `mapstructure:"expand_aliases"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// RedisConfig 缓存配置（Host 为空表示不启用）
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ControllerConfig 控制器注册配置（Host 为空表示独立运行，不注册）
type ControllerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	RegisterInterval  time.Duration `mapstructure:"register_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// EventsConfig 任务事件推送配置（Broker 为空表示不启用）
type EventsConfig struct {
	Broker   string `mapstructure:"broker"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// ClientID 为空时按 eapicollector_<ts> 自动生成
	ClientID string `mapstructure:"client_id"`
	// TopicPrefix 主题前缀，事件发布到 <prefix>/task/<task_id>
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            int           `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	// MasterKey 设备口令加密主密钥；为空时口令明文入库
	MasterKey string `mapstructure:"master_key"`
}

// SimulateConfig 模拟设备服务配置
type SimulateConfig struct {
	ListenHost string `mapstructure:"listen_host"`
	// DevicesFile 模拟设备定义文件（YAML），支持热加载
	DevicesFile string `mapstructure:"devices_file"`
}

// PlatformDefaultsConfig 平台默认采集配置（命令集与 eAPI 参数）
type PlatformDefaultsConfig struct {
	// Commands 默认采集命令集（接口未指定 cli_list 时使用）
	Commands []string `mapstructure:"commands"`
	// Format 平台默认输出编码，空串时沿用全局 eapi.format
	Format string `mapstructure:"format"`
	// Version 平台固定的 eAPI 版本，0 表示 latest
	Version    int  `mapstructure:"version"`
	Timestamps bool `mapstructure:"timestamps"`
	// TextCommands 强制按 text 编码执行的命令前缀（无 JSON 转换的命令）
	TextCommands []string `mapstructure:"text_commands"`
	// Port 平台级端口覆盖；为 0 时沿用全局 eapi.port
	Port int `mapstructure:"port"`
	// TimeoutSec 平台级任务超时（秒）；为 0 时沿用内置默认
	TimeoutSec int `mapstructure:"timeout_sec"`
	// Retries 平台级默认重试次数；为 0 时沿用内置默认
	Retries int `mapstructure:"retries"`
}

var globalConfig *Config

// Load 加载配置文件
func Load(configPath string) (*Config, error) {
	viper.SetConfigType("yaml")

	// 设置默认值
	setDefaults()

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		// 默认配置文件路径
		viper.SetConfigName("config")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath("../configs")
		viper.AddConfigPath("../../configs")
	}

	// 设置环境变量前缀
	viper.SetEnvPrefix("EAPI_COLLECTOR")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 读取配置文件
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// 兼容旧顶层键：deploy_wait_ms -> deploy.deploy_wait_ms
	if config.Deploy.DeployWaitMS <= 0 {
		if viper.IsSet("deploy_wait_ms") {
			val := viper.GetInt("deploy_wait_ms")
			if val > 0 {
				config.Deploy.DeployWaitMS = val
			}
		}
	}

	// 输出编码归一：空串回落 json，统一小写
	config.Eapi.Format = strings.ToLower(strings.TrimSpace(config.Eapi.Format))
	if config.Eapi.Format == "" {
		config.Eapi.Format = "json"
	}

	// 环境变量替换
	config = replaceEnvVars(config)

	// 应用并发档位配置（若设置了 concurrency_profile 则覆盖 concurrent 数值）
	applyConcurrencyProfile(&config)

	globalConfig = &config
	return &config, nil
}

func setDefaults() {
	// 默认并发档位配置（包含并发与线程数）
	viper.SetDefault("collector.concurrency_profile", "S")
	viper.SetDefault("collector.concurrency_profiles", map[string]map[string]int{
		"S":  {"concurrent": 8, "threads": 32},   // 2c4g
		"M":  {"concurrent": 16, "threads": 64},  // 4c8g
		"L":  {"concurrent": 32, "threads": 128}, // 8c16g
		"XL": {"concurrent": 64, "threads": 256}, // 16c32g
	})
	// 默认重试次数（接口未指定时使用）。若配置文件未设置，则使用 1。
	viper.SetDefault("collector.retry_flags", 1)

	// eAPI 客户端默认值：HTTPS 直连，30 秒请求窗口
	viper.SetDefault("eapi.use_tls", true)
	viper.SetDefault("eapi.insecure_skip_verify", false)
	viper.SetDefault("eapi.timeout", 30*time.Second)
	viper.SetDefault("eapi.format", "json")
	viper.SetDefault("eapi.timestamps", false)
	viper.SetDefault("eapi.auto_complete", false)
	viper.SetDefault("eapi.expand_aliases", false)

	// 备份服务默认配置
	viper.SetDefault("backup.storage_backend", "local")
	// 顶层前缀默认用于在 base_dir 下分组，如 "configs"
	viper.SetDefault("backup.prefix", "configs")
	viper.SetDefault("backup.local.base_dir", "./data/backups")
	// 可选：局部覆盖的前缀，默认空串，最终路径 prefix/local.prefix/save_dir
	viper.SetDefault("backup.local.prefix", "")
	viper.SetDefault("backup.local.mkdir_if_missing", true)
	viper.SetDefault("backup.local.compress", false)
	// 聚合写入默认开启，聚合文件名默认为 all_cli.txt
	viper.SetDefault("backup.aggregate.enabled", true)
	viper.SetDefault("backup.aggregate.filename", "all_cli.txt")
	// 聚合仅写入模式默认关闭（false 表示仍写入逐命令文件）
	viper.SetDefault("backup.aggregate.aggregate_only", false)

	// 格式化数据默认配置
	// 仅定义 MinIO 路径前缀，最终对象路径为 /{minio_prefix}/{save_dir}/{task_id}/...
	viper.SetDefault("data_format.minio_prefix", "data-formats")

	// 配置下发默认值：会话前缀与前后等待窗口
	viper.SetDefault("deploy.session_prefix", "ecp")
	viper.SetDefault("deploy.commit_timer", "")
	viper.SetDefault("deploy.deploy_wait_ms", 2000)

	// 控制器注册与心跳周期
	viper.SetDefault("controller.register_interval", 30*time.Second)
	viper.SetDefault("controller.heartbeat_interval", 15*time.Second)

	// 任务事件推送默认值（broker 为空时整体关闭）
	viper.SetDefault("events.port", 1883)
	viper.SetDefault("events.topic_prefix", "eapicollector")
	viper.SetDefault("events.qos", 0)
	viper.SetDefault("events.connect_timeout", 5*time.Second)

	// Redis 缓存默认值（host 为空时整体关闭）
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.pool_size", 8)
	viper.SetDefault("redis.min_idle_conns", 2)
	viper.SetDefault("redis.dial_timeout", 5*time.Second)
	viper.SetDefault("redis.read_timeout", 3*time.Second)
	viper.SetDefault("redis.write_timeout", 3*time.Second)

	// 模拟服务开关默认关闭
	viper.SetDefault("server.simulate_enable", false)
	viper.SetDefault("simulate.listen_host", "127.0.0.1")
	viper.SetDefault("simulate.devices_file", "./configs/simulate.yaml")

	// 日志默认级别为 info（可通过 log.level 覆盖为 debug/warn/error 等）
	viper.SetDefault("log.level", "info")
}

// Get 获取全局配置
func Get() *Config {
	return globalConfig
}

// replaceEnvVars 替换配置中的环境变量
func replaceEnvVars(config Config) Config {
	// 替换采集器ID
	if strings.HasPrefix(config.Collector.ID, "${") && strings.HasSuffix(config.Collector.ID, "}") {
		envVar := strings.TrimSuffix(strings.TrimPrefix(config.Collector.ID, "${"), "}")
		if value := os.Getenv(envVar); value != "" {
			config.Collector.ID = value
		}
	}

	return config
}

// applyConcurrencyProfile 根据并发档位设置并发数（覆盖 Collector.Concurrent）
func applyConcurrencyProfile(cfg *Config) {
	prof := strings.TrimSpace(cfg.Collector.ConcurrencyProfile)
	if prof == "" {
		return
	}
	// 兼容大小写与可能的前缀（例如 "Concurrency-S"）
	p := strings.ToUpper(prof)
	if after, ok := strings.CutPrefix(p, "CONCURRENCY-"); ok {
		p = after
	}

	mapping := make(map[string]ConcurrencyProfileConfig, len(cfg.Collector.ConcurrencyProfiles))
	for k, v := range cfg.Collector.ConcurrencyProfiles {
		mapping[strings.ToUpper(k)] = v
	}

	if profCfg, ok := mapping[p]; ok {
		if profCfg.Concurrent > 0 {
			cfg.Collector.Concurrent = profCfg.Concurrent
		}
		if profCfg.Threads > 0 {
			cfg.Collector.Threads = profCfg.Threads
		}
	}
}

// GetServerAddr 获取服务器地址
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GetControllerAddr 获取控制器地址
func (c *Config) GetControllerAddr() string {
	return fmt.Sprintf("%s:%d", c.Controller.Host, c.Controller.Port)
}

// PlatformDefaults 查找平台默认采集配置；未命中时回落 default 项
func (c *Config) PlatformDefaults(platform string) (PlatformDefaultsConfig, bool) {
	key := strings.ToLower(strings.TrimSpace(platform))
	if pd, ok := c.Collector.DeviceDefaults[key]; ok {
		return pd, true
	}
	if pd, ok := c.Collector.DeviceDefaults["default"]; ok {
		return pd, true
	}
	return PlatformDefaultsConfig{}, false
}
