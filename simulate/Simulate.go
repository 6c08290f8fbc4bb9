package simulate

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eapicollectorpro/eapicollectorpro/pkg/logger"
)

// eAPI 固定接入路径，与真实 EOS 设备一致
const commandAPIPath = "/command-api"

// 请求体上限，防御异常客户端
const maxRequestBytes = 4 << 20

// JSON-RPC 2.0 协议级错误码
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
)

// eAPI 命令级错误码，对齐真实设备的取值
const (
	codeGeneralError       = 1000
	codeInvalidCommand     = 1002
	codeUnconvertedCommand = 1003
	codeIncompleteCommand  = 1004
	codeAmbiguousCommand   = 1005
)

// simulate.yaml 配置结构。
// 命令表的键就是命令原文，因此用 yaml 直接解析，
// 保留键的大小写与标点（viper 会把键统一小写并按点号拆分）。
type Config struct {
	Namespace map[string]NamespaceConfig `yaml:"namespace"`
	Device    map[string]DeviceConfig    `yaml:"device"`
}

type NamespaceConfig struct {
	Port int `yaml:"port"`
	// UseTLS 以 https 提供服务，使用持久化的自签名证书
	UseTLS bool `yaml:"use_tls"`
	// MaxConn 单命名空间并发请求上限，0 表示不限制
	MaxConn int `yaml:"max_conn"`
}

// DeviceConfig 单台模拟设备。通过 Basic 认证用户名选中设备，
// username 缺省时使用设备名。
type DeviceConfig struct {
	Namespace string `yaml:"namespace"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	// EnablePassword 非空时校验 enable 命令的 input 载荷
	EnablePassword string `yaml:"enable_password"`
	// Model/Version/Serial 用于内置的 show version 应答
	Model   string `yaml:"model"`
	Version string `yaml:"version"`
	Serial  string `yaml:"serial"`
	// Commands 命令应答表，键为命令原文
	Commands map[string]CommandSpec `yaml:"commands"`
}

// CommandSpec 单条命令的应答形态。errors 非空表示该命令执行失败；
// 否则按请求 format 选用 json 或 text 形态。
type CommandSpec struct {
	JSON map[string]interface{} `yaml:"json"`
	Text string                 `yaml:"text"`
	// Errors 失败时的错误行，写入应答元素的 errors 字段
	Errors []string `yaml:"errors"`
	// Code 失败时的 eAPI 错误码，0 表示 1000（一般错误）
	Code int `yaml:"code"`
}

// LoadConfig 读取 simulate.yaml
func LoadConfig(path string) (*Config, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read simulate config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(bs, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal simulate config: %w", err)
	}
	for name, dev := range cfg.Device {
		if dev.Namespace == "" {
			continue
		}
		if _, ok := cfg.Namespace[dev.Namespace]; !ok {
			return nil, fmt.Errorf("device %s references unknown namespace %s", name, dev.Namespace)
		}
	}
	return &cfg, nil
}

// EnsureDirs 启动时根据 namespace 与设备名自动创建目录结构
// simulate/namespace/<ns>/<device_name>，目录内的 <命令>.txt
// 在命令表未命中时作为 text 形态输出（空格可写成下划线）。
func EnsureDirs(simCfg *Config) error {
	base := filepath.Join("simulate", "namespace")
	if err := os.MkdirAll(base, 0o755); err != nil {
		return fmt.Errorf("failed to create base namespace directory: %w", err)
	}
	for name, dev := range simCfg.Device {
		if dev.Namespace == "" {
			continue
		}
		dir := filepath.Join(base, dev.Namespace, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create dir %s: %w", dir, err)
		}
	}
	return nil
}

// Manager 管理多个 namespace 的 eAPI 模拟服务。
// 每个 namespace 在独立端口运行一个 HTTP 服务，互不影响；
// 命名空间内通过 Basic 认证用户名选择设备。

type Manager struct {
	cfg       *Config
	host      string
	nsServers map[string]*namespaceServer
	mu        sync.Mutex
}

type namespaceServer struct {
	nsName    string
	cfg       NamespaceConfig
	host      string
	devices   map[string]*simDevice
	httpSrv   *http.Server
	ln        net.Listener
	tlsCert   *tls.Certificate
	sem       chan struct{}
	startedAt time.Time
}

// simDevice 命名空间内的一台设备：设备名加上它的应答配置
type simDevice struct {
	name string
	cfg  *DeviceConfig
}

// Start 启动所有 namespace 的 eAPI 模拟服务。
// listenHost 为空表示监听所有接口；端口写 0 时由系统分配，
// 实际地址通过 Addr 查询。
func Start(simCfg *Config, listenHost string) (*Manager, error) {
	m := &Manager{
		host:      listenHost,
		nsServers: make(map[string]*namespaceServer),
	}

	if err := EnsureDirs(simCfg); err != nil {
		logger.Error("Simulate: ensure dirs failed", "error", err)
		return nil, err
	}

	m.startAll(simCfg)
	if len(m.nsServers) == 0 && len(simCfg.Namespace) > 0 {
		return nil, fmt.Errorf("simulate: no namespace server could start")
	}
	return m, nil
}

// Stop 停止所有模拟服务
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ns, srv := range m.nsServers {
		srv.stop()
		logger.Info("Simulate: namespace server stopped", "namespace", ns)
	}
	m.nsServers = make(map[string]*namespaceServer)
}

// Reload 按新配置整体重建：先停掉现有服务再启动，端口因此可以变更
func (m *Manager) Reload(simCfg *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ns, srv := range m.nsServers {
		srv.stop()
		logger.Debug("Simulate: namespace server stopped for reload", "namespace", ns)
	}
	m.nsServers = make(map[string]*namespaceServer)

	if err := EnsureDirs(simCfg); err != nil {
		return err
	}
	m.startAll(simCfg)
	if len(m.nsServers) == 0 && len(simCfg.Namespace) > 0 {
		return fmt.Errorf("simulate: no namespace server could start after reload")
	}
	return nil
}

// Addr 返回指定 namespace 实际监听的 host:port
func (m *Manager) Addr(ns string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	srv, ok := m.nsServers[ns]
	if !ok || srv.ln == nil {
		return "", false
	}
	return srv.ln.Addr().String(), true
}

// startAll 逐个启动 namespace，单个失败不影响其它
func (m *Manager) startAll(simCfg *Config) {
	m.cfg = simCfg
	for ns, nsCfg := range simCfg.Namespace {
		srv, err := newNamespaceServer(ns, nsCfg, m.host, simCfg)
		if err != nil {
			logger.Error("Simulate: init namespace server failed", "namespace", ns, "error", err)
			continue
		}
		if err := srv.start(); err != nil {
			logger.Error("Simulate: start namespace server failed", "namespace", ns, "port", nsCfg.Port, "error", err)
			continue
		}
		m.nsServers[ns] = srv
		logger.Info("Simulate: namespace server started", "namespace", ns, "addr", srv.ln.Addr().String(), "tls", nsCfg.UseTLS, "devices", len(srv.devices))
	}
}

func newNamespaceServer(nsName string, nsCfg NamespaceConfig, host string, simCfg *Config) (*namespaceServer, error) {
	s := &namespaceServer{
		nsName:    nsName,
		cfg:       nsCfg,
		host:      host,
		devices:   make(map[string]*simDevice),
		startedAt: time.Now(),
	}

	for name, dc := range simCfg.Device {
		if dc.Namespace != nsName {
			continue
		}
		devCfg := dc
		user := devCfg.Username
		if user == "" {
			user = name
		}
		if _, dup := s.devices[user]; dup {
			logger.Warn("Simulate: duplicate device username in namespace, keep first", "namespace", nsName, "username", user, "device", name)
			continue
		}
		s.devices[user] = &simDevice{name: name, cfg: &devCfg}
	}

	if nsCfg.MaxConn > 0 {
		s.sem = make(chan struct{}, nsCfg.MaxConn)
	}
	if nsCfg.UseTLS {
		cert, err := loadOrCreateCertificate()
		if err != nil {
			return nil, fmt.Errorf("failed to init tls certificate: %w", err)
		}
		s.tlsCert = &cert
	}

	logger.Debug("Simulate: new namespace server", "namespace", nsName, "port", nsCfg.Port)
	return s, nil
}

func (s *namespaceServer) start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return err
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc(commandAPIPath, s.handleCommandAPI)
	s.httpSrv = &http.Server{
		Handler:        mux,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	if s.tlsCert != nil {
		s.httpSrv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{*s.tlsCert}}
	}

	go func() {
		var serveErr error
		if s.tlsCert != nil {
			serveErr = s.httpSrv.ServeTLS(ln, "", "")
		} else {
			serveErr = s.httpSrv.Serve(ln)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error("Simulate: namespace server exited", "namespace", s.nsName, "error", serveErr)
		}
	}()
	return nil
}

func (s *namespaceServer) stop() {
	if s.httpSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		logger.Warn("Simulate: namespace server shutdown timed out, force close", "namespace", s.nsName, "error", err)
		_ = s.httpSrv.Close()
	}
}

// rpcRequest JSON-RPC 2.0 请求报文。id 原样保存，应答时回显。
type rpcRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  rpcParams       `json:"params"`
	ID      json.RawMessage `json:"id"`
}

// rpcParams runCmds 的参数对象。version 可能是数字或字符串 "latest"，
// cmds 元素可能是字符串或 {cmd, input, revision} 对象，都按原始 JSON 延迟解析。
type rpcParams struct {
	Version       json.RawMessage   `json:"version"`
	Cmds          []json.RawMessage `json:"cmds"`
	Format        string            `json:"format"`
	Timestamps    bool              `json:"timestamps"`
	AutoComplete  bool              `json:"autoComplete"`
	ExpandAliases bool              `json:"expandAliases"`
	// StopOnError 协议默认为 true，用指针区分“未传”与显式 false
	StopOnError *bool `json:"stopOnError"`
}

type rpcReply struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  []interface{}   `json:"result,omitempty"`
	Error   *rpcReplyError  `json:"error,omitempty"`
}

// rpcReplyError 批次失败时的错误对象。
// data 覆盖已尝试执行的命令，最后一个元素就是触发失败的那条。
type rpcReplyError struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Data    []interface{} `json:"data,omitempty"`
}

// simCommand 解析后的单条命令。revision 仅做接受，模拟输出不区分修订版本。
type simCommand struct {
	name     string
	input    string
	revision int
}

// cmdFailure 命令执行失败的上下文，决定批次级错误码与描述
type cmdFailure struct {
	code   int
	reason string
}

func (s *namespaceServer) handleCommandAPI(w http.ResponseWriter, r *http.Request) {
	// 并发限制，满载时直接拒绝
	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		default:
			logger.Warn("Simulate: reject request, max_conn exceeded", "namespace", s.nsName)
			http.Error(w, "too many concurrent requests", http.StatusServiceUnavailable)
			return
		}
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user, pass, ok := r.BasicAuth()
	dev, found := s.devices[user]
	if !ok || !found || dev.cfg.Password != pass {
		logger.Debug("Simulate: auth failed", "namespace", s.nsName, "user", user, "remote", r.RemoteAddr)
		w.Header().Set("WWW-Authenticate", `Basic realm="eAPI"`)
		http.Error(w, "Unable to authenticate user: Bad username/password combination", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		logger.Debug("Simulate: unparsable request", "namespace", s.nsName, "device", dev.name, "error", err)
		writeReply(w, &rpcReply{Error: &rpcReplyError{Code: rpcParseError, Message: "Parse error"}})
		return
	}
	if req.Jsonrpc != "" && req.Jsonrpc != "2.0" {
		writeReply(w, &rpcReply{ID: req.ID, Error: &rpcReplyError{Code: rpcInvalidRequest, Message: fmt.Sprintf("Invalid Request: unsupported jsonrpc version %q", req.Jsonrpc)}})
		return
	}
	if req.Method != "runCmds" {
		writeReply(w, &rpcReply{ID: req.ID, Error: &rpcReplyError{Code: rpcMethodNotFound, Message: fmt.Sprintf("Method not found: %q", req.Method)}})
		return
	}

	s.runCmds(w, dev, &req)
}

// runCmds 校验参数并按批次语义执行命令。
// stopOnError 时首条失败即中止，error.data 只含已尝试的命令；
// 关掉 stopOnError 则全部执行，错误码与描述取第一条失败。
func (s *namespaceServer) runCmds(w http.ResponseWriter, dev *simDevice, req *rpcRequest) {
	p := req.Params
	if len(p.Cmds) == 0 {
		writeReply(w, &rpcReply{ID: req.ID, Error: &rpcReplyError{Code: rpcInvalidParams, Message: "Invalid params: cmds must be a non-empty list"}})
		return
	}
	if !validVersion(p.Version) {
		writeReply(w, &rpcReply{ID: req.ID, Error: &rpcReplyError{Code: rpcInvalidParams, Message: fmt.Sprintf("Invalid params: unsupported version %s", string(p.Version))}})
		return
	}
	format := p.Format
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "text" {
		writeReply(w, &rpcReply{ID: req.ID, Error: &rpcReplyError{Code: rpcInvalidParams, Message: fmt.Sprintf("Invalid params: unsupported format %q", p.Format)}})
		return
	}
	stopOnError := true
	if p.StopOnError != nil {
		stopOnError = *p.StopOnError
	}

	cmds := make([]simCommand, 0, len(p.Cmds))
	for i, raw := range p.Cmds {
		cmd, err := decodeCommand(raw)
		if err != nil {
			writeReply(w, &rpcReply{ID: req.ID, Error: &rpcReplyError{Code: rpcInvalidParams, Message: fmt.Sprintf("Invalid params: cmds[%d]: %v", i, err)}})
			return
		}
		cmds = append(cmds, cmd)
	}

	results := make([]interface{}, 0, len(cmds))
	failIdx := -1
	var failure *cmdFailure
	for i, cmd := range cmds {
		started := time.Now()
		elem, fail := s.executeCommand(dev, cmd, format)
		if p.Timestamps {
			elem["_meta"] = map[string]interface{}{
				"execStartTime": float64(started.UnixNano()) / 1e9,
				"execDuration":  time.Since(started).Seconds(),
			}
		}
		results = append(results, elem)
		if fail != nil {
			if failIdx == -1 {
				failIdx = i
				failure = fail
			}
			if stopOnError {
				break
			}
		}
	}

	if failIdx >= 0 {
		msg := fmt.Sprintf("CLI command %d of %d '%s' failed: %s", failIdx+1, len(cmds), cmds[failIdx].name, failure.reason)
		logger.Debug("Simulate: runCmds failed", "namespace", s.nsName, "device", dev.name, "failed_at", failIdx+1, "total", len(cmds), "code", failure.code)
		writeReply(w, &rpcReply{ID: req.ID, Error: &rpcReplyError{Code: failure.code, Message: msg, Data: results}})
		return
	}

	logger.Debug("Simulate: runCmds ok", "namespace", s.nsName, "device", dev.name, "cmds", len(cmds), "format", format)
	writeReply(w, &rpcReply{ID: req.ID, Result: results})
}

// executeCommand 解析单条命令并生成它的应答元素。
// 匹配顺序：enable 校验 → 命令表 → 文本文件 → 内置命令 → invalid command。
func (s *namespaceServer) executeCommand(dev *simDevice, cmd simCommand, format string) (map[string]interface{}, *cmdFailure) {
	name := strings.TrimSpace(cmd.name)

	if strings.EqualFold(name, "enable") {
		if pwd := dev.cfg.EnablePassword; pwd != "" && cmd.input != pwd {
			logger.Debug("Simulate: enable failed", "namespace", s.nsName, "device", dev.name)
			return failWith(codeInvalidCommand, "% Invalid enable password")
		}
		if _, ok := dev.cfg.Commands[name]; !ok {
			return emptyResult(format), nil
		}
	}

	if spec, ok := dev.cfg.Commands[name]; ok {
		return renderSpec(&spec, format)
	}
	if text, ok := s.loadCommandText(dev.name, name); ok {
		return renderSpec(&CommandSpec{Text: text}, format)
	}
	if obj := builtinResult(s, dev, name); obj != nil {
		return renderJSONForm(obj, format), nil
	}

	logger.Debug("Simulate: command unmatched", "namespace", s.nsName, "device", dev.name, "cmd", name)
	return failWith(codeInvalidCommand, invalidInputError(name))
}

// renderSpec 按请求格式把命令应答形态渲染成载荷元素。
// json 格式下只有 text 形态的命令按真实设备语义报 1003（unconverted）。
func renderSpec(spec *CommandSpec, format string) (map[string]interface{}, *cmdFailure) {
	if len(spec.Errors) > 0 {
		code := spec.Code
		if code == 0 {
			code = codeGeneralError
		}
		return map[string]interface{}{"errors": append([]string(nil), spec.Errors...)}, &cmdFailure{code: code, reason: reasonForCode(code)}
	}

	if format == "text" {
		text := spec.Text
		if text == "" && spec.JSON != nil {
			if bs, err := json.MarshalIndent(spec.JSON, "", "    "); err == nil {
				text = string(bs)
			}
		}
		return map[string]interface{}{"output": ensureTrailingNewline(text)}, nil
	}

	if spec.JSON != nil {
		// 浅拷贝，防止 timestamps 注入的 _meta 污染共享配置
		out := make(map[string]interface{}, len(spec.JSON)+1)
		for k, v := range spec.JSON {
			out[k] = v
		}
		return out, nil
	}
	if spec.Text != "" {
		return failWith(codeUnconvertedCommand, "This is an unconverted command")
	}
	return map[string]interface{}{}, nil
}

// renderJSONForm 内置命令只有 JSON 形态，text 格式下退化为缩进 JSON 文本
func renderJSONForm(obj map[string]interface{}, format string) map[string]interface{} {
	if format != "text" {
		return obj
	}
	bs, err := json.MarshalIndent(obj, "", "    ")
	if err != nil {
		return map[string]interface{}{"output": ""}
	}
	return map[string]interface{}{"output": ensureTrailingNewline(string(bs))}
}

// builtinResult 提供开箱即用的基础命令，设备定义里同名命令优先。
// 每次调用都构造新对象，调用方可以放心注入 _meta。
func builtinResult(s *namespaceServer, dev *simDevice, name string) map[string]interface{} {
	switch strings.ToLower(name) {
	case "show version":
		model := dev.cfg.Model
		if model == "" {
			model = "cEOSSim"
		}
		version := dev.cfg.Version
		if version == "" {
			version = "4.32.1F"
		}
		serial := dev.cfg.Serial
		if serial == "" {
			serial = "SIM" + strings.ToUpper(dev.name)
		}
		return map[string]interface{}{
			"modelName":        model,
			"version":          version,
			"internalVersion":  version + "-simulated",
			"serialNumber":     serial,
			"systemMacAddress": macForDevice(dev.name),
			"architecture":     "x86_64",
			"isIntlVersion":    false,
			"uptime":           time.Since(s.startedAt).Seconds(),
			"memTotal":         8071356,
			"memFree":          4096000,
		}
	case "show hostname":
		return map[string]interface{}{
			"hostname": dev.name,
			"fqdn":     dev.name + ".lab.local",
		}
	}
	return nil
}

// loadCommandText 从 simulate/namespace/<ns>/<device>/ 加载命令的文本输出，
// 先试命令原文，再试空格替换为下划线的文件名
func (s *namespaceServer) loadCommandText(deviceName, cmd string) (string, bool) {
	if strings.Contains(cmd, "..") {
		return "", false
	}
	base := filepath.Join("simulate", "namespace", s.nsName, deviceName)
	direct := filepath.Join(base, fmt.Sprintf("%s.txt", cmd))
	if bs, err := os.ReadFile(direct); err == nil {
		logger.Debug("Simulate: load out (direct)", "device", deviceName, "cmd", cmd, "file", direct)
		return string(bs), true
	}
	normalized := strings.ReplaceAll(cmd, " ", "_")
	p := filepath.Join(base, fmt.Sprintf("%s.txt", normalized))
	if bs, err := os.ReadFile(p); err == nil {
		logger.Debug("Simulate: load out (normalized)", "device", deviceName, "cmd", cmd, "file", p)
		return string(bs), true
	}
	return "", false
}

// loadOrCreateCertificate 加载或生成模拟服务共享的自签名证书（RSA 2048）。
// 证书持久化在 simulate/ 下，避免客户端看到的指纹频繁变化。
func loadOrCreateCertificate() (tls.Certificate, error) {
	keyDir := "simulate"
	if err := os.MkdirAll(keyDir, 0o755); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to ensure simulate dir: %w", err)
	}
	certPath := filepath.Join(keyDir, "_cert_rsa.pem")
	keyPath := filepath.Join(keyDir, "_key_rsa.pem")

	if certPEM, err := os.ReadFile(certPath); err == nil {
		if keyPEM, kerr := os.ReadFile(keyPath); kerr == nil {
			cert, perr := tls.X509KeyPair(certPEM, keyPEM)
			if perr == nil {
				logger.Debug("Simulate: tls certificate loaded", "file", certPath)
				return cert, nil
			}
			logger.Warn("Simulate: tls certificate parse failed, regenerating", "error", perr)
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate tls key: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName:   "eapi-simulator",
			Organization: []string{"eAPI Collector Pro"},
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().AddDate(10, 0, 0),
		KeyUsage:    x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create tls certificate: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to write tls certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to write tls key: %w", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to parse generated tls certificate: %w", err)
	}
	logger.Info("Simulate: tls certificate generated", "file", certPath)
	return cert, nil
}

func writeReply(w http.ResponseWriter, reply *rpcReply) {
	reply.Jsonrpc = "2.0"
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		logger.Warn("Simulate: write reply failed", "error", err)
	}
}

// decodeCommand cmds 元素可能是字符串，也可能是 {cmd, input, revision} 对象
func decodeCommand(raw json.RawMessage) (simCommand, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if strings.TrimSpace(s) == "" {
			return simCommand{}, fmt.Errorf("command must not be empty")
		}
		return simCommand{name: s}, nil
	}
	var obj struct {
		Cmd      string `json:"cmd"`
		Input    string `json:"input"`
		Revision int    `json:"revision"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return simCommand{}, fmt.Errorf("command must be a string or an object with cmd")
	}
	if strings.TrimSpace(obj.Cmd) == "" {
		return simCommand{}, fmt.Errorf("object command missing cmd")
	}
	if obj.Revision < 0 {
		return simCommand{}, fmt.Errorf("revision must not be negative")
	}
	return simCommand{name: obj.Cmd, input: obj.Input, revision: obj.Revision}, nil
}

// validVersion version 可以缺省、为正整数或字符串 "latest"
func validVersion(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n >= 1
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s == "latest"
	}
	return false
}

func failWith(code int, errs ...string) (map[string]interface{}, *cmdFailure) {
	return map[string]interface{}{"errors": errs}, &cmdFailure{code: code, reason: reasonForCode(code)}
}

// reasonForCode 批次错误描述，对齐真实设备 "CLI command N of M ... failed: <reason>" 的措辞
func reasonForCode(code int) string {
	switch code {
	case codeInvalidCommand:
		return "invalid command"
	case codeUnconvertedCommand:
		return "unconverted command"
	case codeIncompleteCommand:
		return "incomplete command"
	case codeAmbiguousCommand:
		return "ambiguous command"
	default:
		return "could not run command"
	}
}

func invalidInputError(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return "% Invalid input"
	}
	return fmt.Sprintf("%% Invalid input (at token %d: '%s')", len(fields)-1, fields[len(fields)-1])
}

func emptyResult(format string) map[string]interface{} {
	if format == "text" {
		return map[string]interface{}{"output": ""}
	}
	return map[string]interface{}{}
}

func ensureTrailingNewline(s string) string {
	if s == "" {
		return s
	}
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}

// macForDevice 由设备名生成稳定的系统 MAC（Arista OUI 00:1c:73）
func macForDevice(name string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	sum := h.Sum32()
	return fmt.Sprintf("00:1c:73:%02x:%02x:%02x", byte(sum>>16), byte(sum>>8), byte(sum))
}
