package eapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// eAPI 固定接入路径
const commandAPIPath = "/command-api"

// DeviceConfig 设备连接配置
type DeviceConfig struct {
	// Host 设备地址（IP 或域名）
	Host string `json:"host"`
	// Port 0 表示按协议默认端口（http 80 / https 443）
	Port int `json:"port"`
	// Username Basic 认证用户名
	Username string `json:"username"`
	// Password Basic 认证密码
	Password string `json:"password"`
	// UseTLS 走 https 访问设备
	UseTLS bool `json:"use_tls"`
	// InsecureSkipVerify 跳过证书校验，实验室 cEOS 自签证书场景使用
	InsecureSkipVerify bool `json:"insecure_skip_verify"`
	// Timeout 单次请求的整体超时，0 表示只由调用方 context 控制
	Timeout time.Duration `json:"timeout"`
	// Transport 自定义 HTTP 传输，为空时按上列配置构造
	Transport http.RoundTripper `json:"-"`
}

// Device 与单台设备的 eAPI 会话。连接复用完全委托给底层 http.Client；
// Device 本身没有可变状态，可在多个 goroutine 间共享，
// 各次调用的请求/应答对象彼此独立。
type Device struct {
	host     string
	port     int
	username string
	password string
	scheme   string
	client   *http.Client
}

// NewDevice 构造设备会话
func NewDevice(cfg *DeviceConfig) *Device {
	d := &Device{
		host:     cfg.Host,
		port:     cfg.Port,
		username: cfg.Username,
		password: cfg.Password,
		scheme:   "http",
	}
	if cfg.UseTLS {
		d.scheme = "https"
	}
	if d.port <= 0 {
		if p, err := PortForScheme(d.scheme); err == nil {
			d.port = p
		} else if cfg.UseTLS {
			d.port = 443
		} else {
			d.port = 80
		}
	}

	transport := cfg.Transport
	if transport == nil {
		t := &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		}
		if cfg.InsecureSkipVerify {
			t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		transport = t
	}
	d.client = &http.Client{Transport: transport, Timeout: cfg.Timeout}
	return d
}

// PortForScheme 由 URL 协议名解析默认端口（http → 80、https → 443）
func PortForScheme(scheme string) (int, error) {
	port, err := net.LookupPort("tcp", scheme)
	if err != nil {
		return 0, fmt.Errorf("eapi: resolve default port for scheme %q failed: %w", scheme, err)
	}
	return port, nil
}

// Host 设备地址
func (d *Device) Host() string { return d.host }

// Addr 设备 host:port
func (d *Device) Addr() string {
	return net.JoinHostPort(d.host, strconv.Itoa(d.port))
}

// URL 设备 eAPI 接入地址
func (d *Device) URL() string {
	return fmt.Sprintf("%s://%s%s", d.scheme, d.Addr(), commandAPIPath)
}

// CheckConnection 对设备端口做一次 TCP 连通性探测，不发送 eAPI 请求
func (d *Device) CheckConnection(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", d.Addr())
	if err != nil {
		return fmt.Errorf("eapi: device %s unreachable: %w", d.Addr(), err)
	}
	_ = conn.Close()
	return nil
}

// Execute 发送请求并重建逐命令结果。
//
// 设备报告的批次失败不作为 error 返回：调用方通过 Response.Err()
// 获取失败上下文。error 代表传输失败、非 2xx 状态（*StatusError）
// 或应答报文不可解析。context 的取消原样经由 http.Client 生效，
// 取消后不会产出部分重建的 Response。
func (d *Device) Execute(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("eapi: encode request failed: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("eapi: build http request failed: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.username != "" {
		httpReq.SetBasicAuth(d.username, d.password)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("eapi: read response body failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: data}
	}

	return ParseResponse(data, req)
}

// RunOptions 高层执行调用的可选项，零值即默认（json 输出、latest 版本）
type RunOptions struct {
	// Format 输出格式，留空为 json
	Format Format
	// Version eAPI 版本，零值为 latest
	Version Version
	// AutoComplete 命令自动补全
	AutoComplete bool
	// ExpandAliases 展开用户别名
	ExpandAliases bool
	// SuppressError 批次失败时不返回错误，输出以 nil 表示缺失
	SuppressError bool
	// RequestID 自定义请求标识，留空自动生成
	RequestID string
}

// RunCommand 执行单条命令并返回其输出（裸值，不是单元素列表）
func (d *Device) RunCommand(ctx context.Context, cmd Command, opts *RunOptions) (interface{}, error) {
	if cmd == nil {
		return nil, ErrNoCommands
	}
	outputs, err := d.RunCommands(ctx, []Command{cmd}, opts)
	if err != nil || outputs == nil {
		return nil, err
	}
	return outputs[0], nil
}

// RunCommands 执行一批命令并按命令顺序返回各自的输出。
// 批次失败时返回 *CommandError；opts.SuppressError 置位时
// 以 (nil, nil) 表示结果缺失。空命令列表在任何 I/O 之前报错。
func (d *Device) RunCommands(ctx context.Context, cmds []Command, opts *RunOptions) ([]interface{}, error) {
	if len(cmds) == 0 {
		return nil, ErrNoCommands
	}
	if opts == nil {
		opts = &RunOptions{}
	}

	req, err := NewRequest(cmds, &RequestOptions{
		ID:            opts.RequestID,
		Version:       opts.Version,
		Format:        opts.Format,
		AutoComplete:  opts.AutoComplete,
		ExpandAliases: opts.ExpandAliases,
	})
	if err != nil {
		return nil, err
	}

	resp, err := d.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if batchErr := resp.Err(); batchErr != nil {
		if opts.SuppressError {
			return nil, nil
		}
		return nil, batchErr
	}

	outputs := make([]interface{}, 0, resp.Len())
	for _, res := range resp.Results() {
		outputs = append(outputs, res.Output)
	}
	return outputs, nil
}
