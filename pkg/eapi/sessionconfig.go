package eapi

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// 清空会话内配置的固定命令，replace 模式下让会话从全新配置开始
const cfgFactoryReset = "rollback clean-config"

// loadFailurePattern 设备在自由文本消息里报告加载失败时出现的特征词。
// 这是对 EOS 输出的文本启发式匹配，正常输出含这些词时会误判。
var loadFailurePattern = regexp.MustCompile(`(?i)error|abort|invalid`)

// SessionConfig 配置会话助手。围绕一个命名配置会话封装固定的命令序列：
// 进入会话、推送配置行、查看差异、提交或放弃。除 LoadFile 的文本检查外
// 不附加任何错误语义，命令结果自身携带的错误原样向上。
type SessionConfig struct {
	device *Device
	name   string
}

// ConfigSession 绑定到命名配置会话
func (d *Device) ConfigSession(name string) *SessionConfig {
	return &SessionConfig{device: d, name: name}
}

// Name 会话名
func (s *SessionConfig) Name() string { return s.name }

// Device 所属设备
func (s *SessionConfig) Device() *Device { return s.device }

func (s *SessionConfig) enterCmd() string {
	return fmt.Sprintf("configure session %s", s.name)
}

// Push 把配置行推送到会话。replace 为真时先清空会话配置（整替换而非增量）。
// 空白行被忽略，其余行原样下发。
func (s *SessionConfig) Push(ctx context.Context, lines []string, replace bool) error {
	cmds := make([]Command, 0, len(lines)+2)
	cmds = append(cmds, SimpleCommand(s.enterCmd()))
	if replace {
		cmds = append(cmds, SimpleCommand(cfgFactoryReset))
	}
	for _, line := range lines {
		t := strings.TrimSpace(line)
		if t == "" {
			continue
		}
		cmds = append(cmds, SimpleCommand(t))
	}

	_, err := s.device.RunCommands(ctx, cmds, nil)
	return err
}

// Commit 提交会话，配置生效
func (s *SessionConfig) Commit(ctx context.Context) error {
	_, err := s.device.RunCommands(ctx, []Command{
		SimpleCommand(fmt.Sprintf("configure session %s commit", s.name)),
	}, nil)
	return err
}

// CommitTimer 带定时回滚的提交，timer 形如 "00:05:00"
func (s *SessionConfig) CommitTimer(ctx context.Context, timer string) error {
	_, err := s.device.RunCommands(ctx, []Command{
		SimpleCommand(fmt.Sprintf("configure session %s commit timer %s", s.name, timer)),
	}, nil)
	return err
}

// Abort 放弃会话，丢弃未提交的配置
func (s *SessionConfig) Abort(ctx context.Context) error {
	_, err := s.device.RunCommands(ctx, []Command{
		SimpleCommand(fmt.Sprintf("configure session %s abort", s.name)),
	}, nil)
	return err
}

// Diff 返回会话配置相对运行配置的差异文本
func (s *SessionConfig) Diff(ctx context.Context) (string, error) {
	outputs, err := s.device.RunCommands(ctx, []Command{
		SimpleCommand(fmt.Sprintf("show session-config named %s diffs", s.name)),
	}, &RunOptions{Format: FormatText})
	if err != nil {
		return "", err
	}
	if len(outputs) == 0 {
		return "", nil
	}
	text, _ := outputs[0].(string)
	return text, nil
}

// StatusAll 返回设备上全部配置会话的状态
func (s *SessionConfig) StatusAll(ctx context.Context) (map[string]interface{}, error) {
	outputs, err := s.device.RunCommands(ctx, []Command{
		SimpleCommand("show configuration sessions detail"),
	}, nil)
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return nil, nil
	}
	all, _ := outputs[0].(map[string]interface{})
	return all, nil
}

// Status 返回本会话的状态条目，会话不存在时返回 nil
func (s *SessionConfig) Status(ctx context.Context) (map[string]interface{}, error) {
	all, err := s.StatusAll(ctx)
	if err != nil {
		return nil, err
	}
	sessions, _ := all["sessions"].(map[string]interface{})
	entry, _ := sessions[s.name].(map[string]interface{})
	return entry, nil
}

// LoadFile 把设备上的配置文件载入会话。设备对加载失败只给自由文本消息，
// 这里扫描最后一条命令的 messages 行，命中 error/abort/invalid 视为失败。
func (s *SessionConfig) LoadFile(ctx context.Context, filename string, replace bool) error {
	cmds := []Command{SimpleCommand(s.enterCmd())}
	if replace {
		cmds = append(cmds, SimpleCommand(cfgFactoryReset))
	}
	cmds = append(cmds, SimpleCommand(fmt.Sprintf("copy %s session-config", filename)))

	outputs, err := s.device.RunCommands(ctx, cmds, nil)
	if err != nil {
		return err
	}
	if len(outputs) == 0 {
		return nil
	}

	last, _ := outputs[len(outputs)-1].(map[string]interface{})
	messages := toStringList(last["messages"])
	for _, msg := range messages {
		if loadFailurePattern.MatchString(msg) {
			return fmt.Errorf("eapi: load %s into session %s failed: %s",
				filename, s.name, strings.TrimSpace(strings.Join(messages, "")))
		}
	}
	return nil
}
