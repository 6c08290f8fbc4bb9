package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eapicollectorpro/eapicollectorpro/pkg/eapi"
)

func main() {
	device := eapi.NewDevice(&eapi.DeviceConfig{
		Host:     "127.0.0.1",
		Port:     9543,    // 模拟器 lab 命名空间端口
		Username: "admin", // leaf1 的认证用户名
		Password: "arista",
		Timeout:  5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 1) 验证：内置命令（show version / show hostname）
	req, err := eapi.NewRequest(eapi.Commands([]string{"show version", "show hostname"}), nil)
	if err != nil {
		panic(err)
	}
	resp, err := device.Execute(ctx, req)
	if err != nil {
		panic(err)
	}
	for _, res := range resp.Results() {
		fmt.Printf("%s ->\n%v\n", res.Command, res.Output)
	}

	// 2) 验证：text 编码（设备命令表或文件回退）
	req, err = eapi.NewRequest(eapi.Commands([]string{"show clock"}), &eapi.RequestOptions{Format: eapi.FormatText})
	if err != nil {
		panic(err)
	}
	resp, err = device.Execute(ctx, req)
	if err != nil {
		fmt.Println("show clock (text) error:", err)
	} else if res, ok := resp.Result(0); ok {
		text, _ := res.Output.(string)
		fmt.Printf("show clock (text) ->\n%s\n", headLines(text, 10))
	}

	// 3) 验证：批次中止语义（未知命令导致后续占位）
	req, err = eapi.NewRequest(eapi.Commands([]string{"show clock", "show bogus", "show hostname"}), nil)
	if err != nil {
		panic(err)
	}
	_, err = device.Execute(ctx, req)
	var cmdErr *eapi.CommandError
	if errors.As(err, &cmdErr) {
		fmt.Printf("batch aborted as expected: failed=%q passed=%d not_executed=%d\n",
			cmdErr.FailedCommand, len(cmdErr.Passed), len(cmdErr.NotExecuted))
	} else {
		fmt.Println("unexpected batch result:", err)
	}
}

func headLines(s string, n int) string {
	if n <= 0 {
		return ""
	}
	lines := make([]string, 0, n)
	cur := ""
	count := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' || s[i] == '\r' {
			if cur != "" {
				lines = append(lines, cur)
				cur = ""
				count++
				if count >= n {
					break
				}
			}
			continue
		}
		cur += string(s[i])
	}
	if cur != "" && count < n {
		lines = append(lines, cur)
	}
	out := ""
	for _, l := range lines {
		out += l + "\n"
	}
	return out
}
