package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nhirsama/Goster-Solar/src/config"
	"github.com/nhirsama/Goster-Solar/src/credential"
	"github.com/nhirsama/Goster-Solar/src/protocol"
	"github.com/nhirsama/Goster-Solar/src/server"
	"github.com/nhirsama/Goster-Solar/src/session"
	"github.com/nhirsama/Goster-Solar/src/telemetry"
	"github.com/nhirsama/Goster-Solar/src/upstream"
	"github.com/nhirsama/Goster-Solar/src/web"
	"github.com/rs/zerolog"
)

func Run() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "启动失败:", err)
		os.Exit(1)
	}
	fmt.Println("系统正常关闭")
}

func start(ctx context.Context) error {
	configPath := flag.String("config", "", "配置文件路径 (留空时按默认路径查找)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	// 上游链路: 鉴权客户端 -> 服务令牌续期 -> 凭据缓存 -> 送达服务
	client := upstream.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.Identity, cfg.Upstream.Secret, logger)
	renewer := credential.NewTokenRenewer(client, logger)
	client.BindTokenSource(renewer)
	cache := credential.NewCache(client, logger)
	delivery := upstream.NewDeliveryService(cache, client, cfg.Upstream.MaxAttempts, cfg.Upstream.BackoffBase, logger)

	// 设备链路: 帧编解码 -> 遥测解码 -> 接入服务
	decoder, err := telemetry.NewSolarDecoder(logger)
	if err != nil {
		return err
	}
	srv := server.NewSolarServer(server.Config{
		Addr:           cfg.Listen.Addr,
		MaxConnections: cfg.Listen.MaxConnections,
		Session: session.Config{
			IdleTimeout:       cfg.Listen.IdleTimeout,
			MaxDecodeFailures: cfg.Listen.MaxDecodeFailures,
			QueueDepth:        cfg.Listen.QueueDepth,
		},
	}, protocol.NewSolarCodec(), decoder, delivery, logger)

	go renewer.Run(ctx)

	if cfg.Monitor.Enabled {
		monitor := web.NewMonitorServer(cfg.Monitor.Addr, srv.Registry(), logger)
		go func() {
			if err := monitor.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("监控服务异常退出")
			}
		}()
	}

	return srv.Run(ctx)
}

func newLogger(cfg *config.Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("无效的日志级别 %q: %w", cfg.Log.Level, err)
	}

	var logger zerolog.Logger
	if cfg.Log.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger(), nil
}
