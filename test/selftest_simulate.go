package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/viper"

	"github.com/eapicollectorpro/eapicollectorpro/pkg/eapi"
	"github.com/eapicollectorpro/eapicollectorpro/simulate"
)

// Self-test for the simulate eAPI service: restart server then run eAPI probes.
// It will:
// 1) Read ports from configs/config.yaml and the simulate devices file.
// 2) Kill processes occupying these ports.
// 3) Start the main server (which boots the simulator).
// 4) Verify builtin commands, auth rejection and stop-on-error over JSON-RPC.
// 5) Print PASS/FAIL summary and exit with code accordingly.

func main() {
	fmt.Println("[SELFTEST] Start")

	serverPort := readServerPort()
	labPort := readNamespacePort("lab")
	if labPort == 0 {
		// fallback: pick the first parsed port or known 9543
		ports := readSimulateNamespacePorts()
		if len(ports) > 0 { labPort = ports[0] } else { labPort = 9543 }
	}
	fmt.Printf("[SELFTEST] serverPort=%d labPort=%d\n", serverPort, labPort)

	// Kill any existing processes listening on these ports
	killPorts([]int{labPort, serverPort})

	// Build and start the server
	cmd := exec.Command("go", "run", "./cmd/server")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		fmt.Printf("[SELFTEST] Failed to start server: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("[SELFTEST] Server started (pid=%d)\n", cmd.Process.Pid)

	// Wait ports ready
	ok := waitPortsReady([]int{labPort, serverPort}, 20*time.Second)
	if !ok {
		fmt.Println("[SELFTEST] Ports not ready in time")
		_ = cmd.Process.Signal(os.Interrupt)
		os.Exit(1)
	}

	// Run eAPI tests on lab namespace
	allPass := true
	if !testBuiltins(labPort) { allPass = false }
	if !testAuthRejected(labPort) { allPass = false }
	if !testStopOnError(labPort) { allPass = false }

	// Stop server gracefully
	_ = cmd.Process.Signal(os.Interrupt)
	// Allow graceful shutdown
	time.Sleep(1500 * time.Millisecond)

	if allPass {
		fmt.Println("[SELFTEST] PASS: all simulate tests succeeded")
		os.Exit(0)
	} else {
		fmt.Println("[SELFTEST] FAIL: some simulate tests failed")
		os.Exit(2)
	}
}

func readServerPort() int {
	v := viper.New()
	v.SetConfigFile("configs/config.yaml")
	if err := v.ReadInConfig(); err != nil { return 18000 }
	return v.GetInt("server.port")
}

// readDevicesFile 模拟设备文件路径取自主配置，缺省 configs/simulate.yaml
func readDevicesFile() string {
	v := viper.New()
	v.SetConfigFile("configs/config.yaml")
	if err := v.ReadInConfig(); err != nil { return "configs/simulate.yaml" }
	if p := v.GetString("simulate.devices_file"); p != "" { return p }
	return "configs/simulate.yaml"
}

func readSimulateNamespacePorts() []int {
	cfg, err := simulate.LoadConfig(readDevicesFile())
	if err != nil { return nil }
	res := make([]int, 0, len(cfg.Namespace))
	for _, ns := range cfg.Namespace {
		if ns.Port > 0 { res = append(res, ns.Port) }
	}
	return res
}

func readNamespacePort(nsName string) int {
	cfg, err := simulate.LoadConfig(readDevicesFile())
	if err != nil { return 0 }
	return cfg.Namespace[nsName].Port
}

func killPorts(ports []int) {
	for _, p := range ports {
		sh := fmt.Sprintf("PIDS=$(lsof -ti tcp:%d); if [ -n \"$PIDS\" ]; then kill -9 $PIDS; fi", p)
		_ = exec.Command("bash", "-lc", sh).Run()
		fmt.Printf("[SELFTEST] Ensure port %d free\n", p)
	}
}

func waitPortsReady(ports []int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		all := true
		for _, p := range ports {
			if !isPortOpen(p) { all = false; break }
		}
		if all { return true }
		if time.Now().After(deadline) { return false }
		time.Sleep(250 * time.Millisecond)
	}
}

func isPortOpen(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 800*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return true
	}
	return false
}

func newLabDevice(port int, user, pass string) *eapi.Device {
	return eapi.NewDevice(&eapi.DeviceConfig{
		Host:     "127.0.0.1",
		Port:     port,
		Username: user,
		Password: pass,
		Timeout:  6 * time.Second,
	})
}

// testBuiltins 内置命令应答：show version / show hostname
func testBuiltins(port int) bool {
	fmt.Println("[SELFTEST] Builtins: show version + show hostname")
	dev := newLabDevice(port, "admin", "arista")
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	req, err := eapi.NewRequest(eapi.Commands([]string{"show version", "show hostname"}), nil)
	if err != nil { fmt.Println("[SELFTEST] Builtins build request failed:", err); return false }
	resp, err := dev.Execute(ctx, req)
	if err != nil { fmt.Println("[SELFTEST] Builtins execute failed:", err); return false }
	if resp.Len() != 2 { fmt.Println("[SELFTEST] Builtins unexpected result count:", resp.Len()); return false }

	ver, _ := resp.Result(0)
	verOut, ok := ver.Output.(map[string]interface{})
	if !ok || !ver.Success { fmt.Println("[SELFTEST] Builtins show version failed"); return false }
	if s, _ := verOut["version"].(string); s == "" { fmt.Println("[SELFTEST] Builtins version field missing"); return false }

	host, _ := resp.Result(1)
	hostOut, ok := host.Output.(map[string]interface{})
	if !ok || !host.Success { fmt.Println("[SELFTEST] Builtins show hostname failed"); return false }
	if s, _ := hostOut["hostname"].(string); s != "leaf1" { fmt.Println("[SELFTEST] Builtins hostname mismatch:", hostOut["hostname"]); return false }

	fmt.Println("[SELFTEST] Builtins: PASS")
	return true
}

// testAuthRejected 错误口令应得到 401
func testAuthRejected(port int) bool {
	fmt.Println("[SELFTEST] Auth: bad password rejected")
	dev := newLabDevice(port, "admin", "wrong-password")
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	req, err := eapi.NewRequest(eapi.Commands([]string{"show version"}), nil)
	if err != nil { fmt.Println("[SELFTEST] Auth build request failed:", err); return false }
	_, err = dev.Execute(ctx, req)
	var stErr *eapi.StatusError
	if !errors.As(err, &stErr) { fmt.Println("[SELFTEST] Auth expected status error, got:", err); return false }
	if stErr.StatusCode != 401 { fmt.Println("[SELFTEST] Auth unexpected status:", stErr.StatusCode); return false }

	fmt.Println("[SELFTEST] Auth: PASS")
	return true
}

// testStopOnError 批次中断语义：失败命令之后的命令不被执行
func testStopOnError(port int) bool {
	fmt.Println("[SELFTEST] StopOnError: batch aborts at failing command")
	dev := newLabDevice(port, "admin", "arista")
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	req, err := eapi.NewRequest(eapi.Commands([]string{"show hostname", "show bogus", "show version"}), nil)
	if err != nil { fmt.Println("[SELFTEST] StopOnError build request failed:", err); return false }
	resp, err := dev.Execute(ctx, req)
	if err != nil { fmt.Println("[SELFTEST] StopOnError execute failed:", err); return false }
	if resp.Success() { fmt.Println("[SELFTEST] StopOnError batch unexpectedly succeeded"); return false }
	var cmdErr *eapi.CommandError
	if !errors.As(resp.Err(), &cmdErr) { fmt.Println("[SELFTEST] StopOnError expected command error, got:", resp.Err()); return false }
	if cmdErr.FailedCommand != "show bogus" { fmt.Println("[SELFTEST] StopOnError failed command mismatch:", cmdErr.FailedCommand); return false }
	if len(cmdErr.Passed) != 1 { fmt.Println("[SELFTEST] StopOnError passed count mismatch:", len(cmdErr.Passed)); return false }
	if len(cmdErr.NotExecuted) != 1 { fmt.Println("[SELFTEST] StopOnError not-executed count mismatch:", len(cmdErr.NotExecuted)); return false }
	if cmdErr.NotExecuted[0].Cmd() != "show version" { fmt.Println("[SELFTEST] StopOnError not-executed command mismatch:", cmdErr.NotExecuted[0].Cmd()); return false }

	fmt.Println("[SELFTEST] StopOnError: PASS")
	return true
}
