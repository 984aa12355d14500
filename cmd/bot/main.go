package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gridbot/gogrid/internal/bot"
	"github.com/gridbot/gogrid/internal/engine"
	"github.com/gridbot/gogrid/internal/exchange"
	"github.com/gridbot/gogrid/internal/metrics"
	"github.com/gridbot/gogrid/internal/stream"
	"github.com/gridbot/gogrid/pkg/config"
	"github.com/gridbot/gogrid/pkg/logger"
	"github.com/gridbot/gogrid/pkg/ratelimit"
	"github.com/gridbot/gogrid/pkg/shutdown"
)

// logNotifier 把操作者通知写到日志，外部推送渠道可替换这里
type logNotifier struct{}

func (logNotifier) Notify(msg string) {
	logrus.WithField("component", "notifier").Info(msg)
}

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	dryRun := flag.Bool("dry-run", false, "纸交易模式：不发送真实订单")
	flag.Parse()

	if err := logger.InitDefault(); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}

	path := *configPath
	if _, err := os.Stat(path); err != nil && path == "config.yaml" {
		logrus.Warnf("未找到默认配置文件 %s，使用环境变量和默认值", path)
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		logrus.Errorf("加载配置失败: %v", err)
		os.Exit(1)
	}
	if *dryRun {
		cfg.DryRun = true
	}
	if err := cfg.Validate(); err != nil {
		logrus.Errorf("配置验证失败: %v", err)
		os.Exit(1)
	}

	// 使用配置重新初始化日志
	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 10,
		MaxAge:     30,
		Compress:   true,
	}); err != nil {
		logrus.Errorf("重新初始化日志失败: %v", err)
		os.Exit(1)
	}

	logrus.Info("🚀 启动网格交易机器人...")
	if cfg.DryRun {
		logrus.Warn("📝 纸交易模式已启用：不会发送真实订单")
	}

	signer, err := exchange.NewSignerFromConfig(&cfg.Exchange)
	if err != nil {
		logrus.Errorf("初始化签名器失败: %v", err)
		os.Exit(1)
	}
	if signer != nil {
		logrus.Infof("签名方式: %s", signer.Kind())
	} else {
		logrus.Warn("⚠️ 未配置凭证，只能访问公共接口")
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// 通道装配：流式 WS-API 优先，REST 备用
	timeout := time.Duration(cfg.Dispatcher.RequestTimeoutSec) * time.Second
	rest := exchange.NewRESTConn(cfg.Exchange.RESTBaseURL, cfg.Exchange.APIKey, timeout)

	var ws *exchange.WSConn
	if cfg.Dispatcher.PreferStreaming {
		wsCfg := exchange.DefaultWSConnConfig(cfg.Exchange.WSAPIURL)
		wsCfg.PingInterval = time.Duration(cfg.Dispatcher.PingIntervalSec) * time.Second
		wsCfg.CallTimeout = timeout
		wsCfg.MaxReconnectRetries = cfg.Dispatcher.ReconnectMaxRetries
		ws = exchange.NewWSConn(wsCfg)
		if err := ws.Start(); err != nil {
			logrus.Warnf("⚠️ 流式通道连接失败, 降级为纯 REST 模式: %v", err)
			ws = nil
		}
	}

	var streaming exchange.Channel
	if ws != nil {
		streaming = ws
	}

	clock := exchange.NewClock(func(ctx context.Context) (int64, error) {
		// 时钟采样直连 REST，避开流式通道的排队延迟
		var resp struct {
			ServerTime int64 `json:"serverTime"`
		}
		raw, err := rest.Call(ctx, exchange.OpTime, nil)
		if err != nil {
			return 0, err
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return 0, err
		}
		return resp.ServerTime, nil
	}, cfg.Dispatcher.ResyncSamples)

	if err := clock.Resync(rootCtx); err != nil {
		logrus.Errorf("初始时钟同步失败: %v", err)
		os.Exit(1)
	}

	dispatcher := exchange.NewDispatcher(streaming, rest, signer, cfg.Exchange.APIKey,
		clock, ratelimit.NewManager(), cfg.Dispatcher)
	client := exchange.NewClient(dispatcher)
	client.SetDryRun(cfg.DryRun)

	// 行情推送流
	market := stream.NewClient(stream.DefaultClientConfig(cfg.Exchange.StreamURL))
	if err := market.Start(); err != nil {
		logrus.Warnf("⚠️ 行情流连接失败, 价格依赖查询通道: %v", err)
		market = nil
	}

	// 可选 metrics/pprof
	if addr := os.Getenv("GOGRID_DEBUG_ADDR"); addr != "" {
		if _, err := metrics.StartAsync(rootCtx, addr); err != nil {
			logrus.Errorf("metrics/pprof 启动失败: %v", err)
		} else {
			logrus.Infof("📊 metrics/pprof 启用: listen=%s", addr)
		}
	}

	var notifier engine.Notifier = logNotifier{}
	b := bot.New(cfg, client, clock, ws, market, notifier)

	if err := b.Start(rootCtx); err != nil {
		logrus.Errorf("启动失败: %v", err)
		rootCancel()
		os.Exit(1)
	}

	logrus.Info("✅ 网格机器人已启动，按 Ctrl+C 停止")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
		logrus.Info("收到停止信号，正在关闭...")
	case <-b.Halted().C():
		logrus.Warn("⚠️ 网格已紧急停机，退出进程...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	mgr := shutdown.NewManager()
	mgr.OnShutdown(func(ctx context.Context, _ *sync.WaitGroup) {
		// 先停机器人（撤网格挂单、撤保护单、停后台循环），再关传输层
		b.Stop(ctx)
		if market != nil {
			market.Close()
		}
		if ws != nil {
			ws.Close()
		}
	})

	mgr.Shutdown(shutdownCtx)
	rootCancel()

	logrus.Info("✅ 网格机器人已停止")
}
