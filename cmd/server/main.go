package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/eapicollectorpro/eapicollectorpro/api/router"
	"github.com/eapicollectorpro/eapicollectorpro/internal/config"
	"github.com/eapicollectorpro/eapicollectorpro/internal/database"
	"github.com/eapicollectorpro/eapicollectorpro/internal/service"
	"github.com/eapicollectorpro/eapicollectorpro/pkg/cache"
	"github.com/eapicollectorpro/eapicollectorpro/pkg/events"
	"github.com/eapicollectorpro/eapicollectorpro/pkg/logger"
	"github.com/eapicollectorpro/eapicollectorpro/simulate"
)

func main() {
	// 加载配置
	cfg, err := config.Load("configs/config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	version := strings.TrimSpace(cfg.Collector.Version)
	if version == "" {
		version = "1.0.0"
	}
	logger.Info("Starting eAPI Collector Pro Server", "version", version)

	// 打印并发档位应用情况（按实际 workers 与 threads 输出）
	workers := cfg.Collector.Concurrent
	threads := cfg.Collector.Threads
	prof := strings.TrimSpace(cfg.Collector.ConcurrencyProfile)
	if prof != "" {
		logger.Info("Concurrency profile applied", "profile", prof, "workers", workers, "threads", threads)
	} else {
		logger.Info("Concurrency set by numeric value", "workers", workers, "threads", threads)
	}

	// 初始化数据库
	if err := database.InitSQLite(cfg.Database.SQLite); err != nil {
		logger.Fatal("Failed to initialize database", "error", err)
	}
	defer database.Close()

	// 初始化缓存（host 为空时自动关闭，失败不阻断启动）
	if err := cache.InitRedis(cfg.Redis); err != nil {
		logger.Warn("Failed to initialize redis cache", "error", err)
	}
	defer cache.Close()

	// 初始化任务事件推送（broker 为空时自动关闭，失败不阻断启动）
	if err := events.Init(cfg.Events); err != nil {
		logger.Warn("Failed to initialize event publisher", "error", err)
	}
	defer events.Close()

	// 创建采集器服务
	collectorService := service.NewCollectorService(cfg)
	ctx := context.Background()
	if err := collectorService.Start(ctx); err != nil {
		logger.Fatal("Failed to start collector service", "error", err)
	}
	defer collectorService.Stop()

	// 创建备份服务
	backupService := service.NewBackupService(cfg)
	if err := backupService.Start(ctx); err != nil {
		logger.Fatal("Failed to start backup service", "error", err)
	}
	defer backupService.Stop()

	// 创建格式化服务
	formatService := service.NewFormatService(cfg)
	if err := formatService.Start(ctx); err != nil {
		logger.Fatal("Failed to start format service", "error", err)
	}
	defer formatService.Stop()

	// 创建部署服务（注入 CollectorService 以便编排前后采集）
	deployService := service.NewDeployService(cfg, collectorService)
	if err := deployService.Start(ctx); err != nil {
		logger.Fatal("Failed to start deploy service", "error", err)
	}
	defer deployService.Stop()

	// 创建注册服务（controller.host 为空时独立运行，只维护本地状态）
	registryService := service.NewRegistryService(cfg)
	registryService.BindCollector(collectorService)
	if err := registryService.Start(ctx); err != nil {
		logger.Fatal("Failed to start registry service", "error", err)
	}
	defer registryService.Stop()

	// 模拟服务按开关启停；watcher 协程也会操作，统一加锁
	var (
		simMu  sync.Mutex
		simMgr *simulate.Manager
	)
	startSimulate := func(reason string) {
		simMu.Lock()
		defer simMu.Unlock()
		if simMgr != nil {
			return
		}
		simPath := cfg.Simulate.DevicesFile
		if _, err := os.Stat(simPath); err != nil {
			logger.Warn("Simulate: devices file missing, skip starting simulate servers", "path", simPath, "error", err)
			return
		}
		sc, err := simulate.LoadConfig(simPath)
		if err != nil {
			logger.Warn("Simulate: failed to load devices file", "path", simPath, "error", err)
			return
		}
		mgr, err := simulate.Start(sc, cfg.Simulate.ListenHost)
		if err != nil {
			logger.Warn("Simulate: failed to start", "error", err)
			return
		}
		simMgr = mgr
		logger.Info("Simulate: started", "reason", reason, "namespaces", len(sc.Namespace))
		// 汇总输出所有命名空间实际监听地址，便于快速确认
		addrs := make([]string, 0, len(sc.Namespace))
		for ns := range sc.Namespace {
			if addr, ok := mgr.Addr(ns); ok {
				addrs = append(addrs, fmt.Sprintf("%s=%s", ns, addr))
			}
		}
		sort.Strings(addrs)
		logger.Info("Simulate: listeners enabled", "addrs", strings.Join(addrs, ", "))
	}
	stopSimulate := func(reason string) {
		simMu.Lock()
		defer simMu.Unlock()
		if simMgr == nil {
			return
		}
		simMgr.Stop()
		simMgr = nil
		logger.Info("Simulate: stopped", "reason", reason)
	}
	reloadSimulate := func() {
		simMu.Lock()
		defer simMu.Unlock()
		if simMgr == nil {
			return
		}
		sc, err := simulate.LoadConfig(cfg.Simulate.DevicesFile)
		if err != nil {
			logger.Warn("Simulate: reload devices file failed", "error", err)
			return
		}
		if err := simMgr.Reload(sc); err != nil {
			logger.Warn("Simulate: hot reload failed", "error", err)
		} else {
			logger.Info("Simulate: hot reload success")
		}
	}

	if cfg.Server.SimulateEnable {
		startSimulate("startup")
	}
	defer stopSimulate("shutdown")

	// 设置路由
	r := router.SetupRouter(cfg, collectorService, backupService, formatService, deployService)

	// 创建HTTP服务器
	server := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        r,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	// 启动服务器
	go func() {
		logger.Info("Server starting", "port", cfg.Server.Port, "mode", cfg.Server.Mode)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", "error", err)
		}
	}()

	// 配置文件监听与热更新
	go func() {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			logger.Warn("Config watch init failed", "error", err)
			return
		}
		defer watcher.Close()
		path := "configs/config.yaml"
		if err := watcher.Add(path); err != nil {
			logger.Warn("Config watch add failed", "error", err)
			return
		}
		var debounce *time.Timer
		debounceInterval := 300 * time.Millisecond
		trigger := func() {
			newCfg, err := config.Load(path)
			if err != nil {
				logger.Warn("Config reload failed", "error", err)
				return
			}
			// 原地覆盖，保持指针不变
			*cfg = *newCfg
			// 刷新日志配置
			_ = logger.Init(logger.Config{
				Level:      cfg.Log.Level,
				Format:     cfg.Log.Format,
				Output:     cfg.Log.Output,
				FilePath:   cfg.Log.FilePath,
				MaxSize:    cfg.Log.MaxSize,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAge:     cfg.Log.MaxAge,
				Compress:   cfg.Log.Compress,
			})
			logger.Info("Config reloaded")
			// 模拟开关变化时动态启停
			if cfg.Server.SimulateEnable {
				startSimulate("config reload")
			} else {
				stopSimulate("config reload")
			}
		}
		for {
			select {
			case ev := <-watcher.Events:
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					if debounce != nil {
						debounce.Stop()
					}
					debounce = time.AfterFunc(debounceInterval, trigger)
				}
			case err := <-watcher.Errors:
				logger.Warn("Config watch error", "error", err)
			}
		}
	}()

	// 模拟设备定义文件监听与热更新
	go func() {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			logger.Warn("Simulate watch init failed", "error", err)
			return
		}
		defer watcher.Close()
		path := cfg.Simulate.DevicesFile
		if _, err := os.Stat(path); err != nil {
			logger.Warn("Simulate: devices file not found, skip watch", "path", path, "error", err)
			return
		}
		if err := watcher.Add(path); err != nil {
			logger.Warn("Simulate watch add failed", "error", err)
			return
		}
		var debounce *time.Timer
		debounceInterval := 300 * time.Millisecond
		trigger := func() {
			if !cfg.Server.SimulateEnable {
				logger.Info("Simulate: reload ignored, simulate disabled")
				return
			}
			simMu.Lock()
			running := simMgr != nil
			simMu.Unlock()
			if running {
				reloadSimulate()
			} else {
				startSimulate("devices reload")
			}
		}
		for {
			select {
			case ev := <-watcher.Events:
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					if debounce != nil {
						debounce.Stop()
					}
					debounce = time.AfterFunc(debounceInterval, trigger)
				}
			case err := <-watcher.Errors:
				logger.Warn("Simulate watch error", "error", err)
			}
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Server shutting down...")

	// 优雅关闭服务器
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	} else {
		logger.Info("Server shutdown complete")
	}
}
