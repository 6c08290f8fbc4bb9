package logger

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// OutputLines 命令输出的头部与尾部行摘要
type OutputLines struct {
	HeadLines []string `json:"head_lines"`
	TailLines []string `json:"tail_lines"`
}

// ParseOutputLines 提取命令输出的头部和尾部行，用于任务日志摘要。
// maxLines 为 head 与 tail 各自的最大行数。
func ParseOutputLines(output string, maxLines int) OutputLines {
	if maxLines <= 0 {
		maxLines = 5
	}

	// 统一换行符
	output = strings.ReplaceAll(output, "\r\n", "\n")
	output = strings.ReplaceAll(output, "\r", "\n")
	lines := strings.Split(output, "\n")

	total := len(lines)
	if total == 0 {
		return OutputLines{}
	}

	headCount := maxLines
	if headCount > total {
		headCount = total
	}
	head := make([]string, headCount)
	copy(head, lines[:headCount])

	// 总行数不超过 maxLines 时头尾相同
	if total <= maxLines {
		tail := make([]string, len(head))
		copy(tail, head)
		return OutputLines{HeadLines: head, TailLines: tail}
	}

	tail := make([]string, maxLines)
	copy(tail, lines[total-maxLines:])
	return OutputLines{HeadLines: head, TailLines: tail}
}

// FormatOutputLines 将头尾行拼成单行文本，便于写入日志
func FormatOutputLines(lines OutputLines) string {
	var parts []string

	if len(lines.HeadLines) > 0 {
		parts = append(parts, "head-lines: ["+strings.Join(lines.HeadLines, " ⟩ ")+"]")
	}
	if len(lines.TailLines) > 0 && !equalLines(lines.HeadLines, lines.TailLines) {
		parts = append(parts, "tail-lines: ["+strings.Join(lines.TailLines, " ⟩ ")+"]")
	}

	return strings.Join(parts, ", ")
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DebugCommandOutput 在 debug 级别记录命令回显的头尾行
func DebugCommandOutput(command string, output string, maxLines int) {
	if log.Level < logrus.DebugLevel {
		return
	}

	lines := ParseOutputLines(output, maxLines)
	if len(lines.HeadLines) == 0 && len(lines.TailLines) == 0 {
		return
	}

	Debugf("Command echo [%s]: %s", command, FormatOutputLines(lines))
}
