package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/eapicollectorpro/eapicollectorpro/internal/config"
	"github.com/eapicollectorpro/eapicollectorpro/pkg/logger"
)

// 任务生命周期事件名
const (
	EventTaskStarted   = "task_started"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
)

var (
	mu          sync.RWMutex
	client      mqtt.Client
	topicPrefix string
	qos         byte
	waitTimeout time.Duration
)

// TaskEvent 任务生命周期事件，发布到 <topic_prefix>/task/<task_id>
type TaskEvent struct {
	Event    string `json:"event"`
	TaskID   string `json:"task_id"`
	TaskType string `json:"task_type,omitempty"`
	DeviceIP string `json:"device_ip,omitempty"`
	Platform string `json:"platform,omitempty"`
	// Status 任务状态：running / success / failed
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// Init 初始化事件发布器。broker 为空表示不启用，Publish 直接丢弃。
// broker 暂不可达不算初始化失败：客户端在后台持续重连。
func Init(cfg config.EventsConfig) error {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil
	}

	port := cfg.Port
	if port <= 0 {
		port = 1883
	}
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		clientID = fmt.Sprintf("eapicollector_%d", time.Now().Unix())
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.TopicPrefix), "/")
	if prefix == "" {
		prefix = "eapicollector"
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, port)).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("Event publisher connected", "broker", cfg.Broker, "port", port)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("Event publisher connection lost", "error", err)
	}

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if token.WaitTimeout(timeout) && token.Error() != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", token.Error())
	}

	mu.Lock()
	client = c
	topicPrefix = prefix
	qos = byte(cfg.QoS)
	waitTimeout = timeout
	mu.Unlock()

	logger.Info("Event publisher initialized", "broker", cfg.Broker, "port", port, "topic_prefix", prefix, "qos", cfg.QoS)
	return nil
}

// Enabled 事件发布是否启用
func Enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return client != nil
}

// Publish 发布任务事件，未启用时直接返回。发布是尽力而为：
// 失败只记日志，不影响任务主流程。
func Publish(ev *TaskEvent) {
	mu.RLock()
	c := client
	prefix := topicPrefix
	q := qos
	timeout := waitTimeout
	mu.RUnlock()

	if c == nil || ev == nil {
		return
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Warn("Event marshal failed", "event", ev.Event, "task_id", ev.TaskID, "error", err)
		return
	}

	topic := fmt.Sprintf("%s/task/%s", prefix, ev.TaskID)
	token := c.Publish(topic, q, false, payload)
	go func() {
		if !token.WaitTimeout(timeout) {
			logger.Warn("Event publish timed out", "topic", topic, "event", ev.Event)
			return
		}
		if err := token.Error(); err != nil {
			logger.Warn("Event publish failed", "topic", topic, "event", ev.Event, "error", err)
		}
	}()
}

// Close 断开与 broker 的连接
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if client == nil {
		return
	}
	client.Disconnect(250)
	client = nil
	logger.Info("Event publisher disconnected")
}
