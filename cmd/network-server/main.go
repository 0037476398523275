package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-netctl/internal/api"
	"github.com/lorawan-server/lorawan-netctl/internal/config"
	"github.com/lorawan-server/lorawan-netctl/internal/gateway"
	"github.com/lorawan-server/lorawan-netctl/internal/integration"
	"github.com/lorawan-server/lorawan-netctl/internal/metrics"
	"github.com/lorawan-server/lorawan-netctl/internal/network"
	"github.com/lorawan-server/lorawan-netctl/internal/scheduler"
	"github.com/lorawan-server/lorawan-netctl/internal/server"
	"github.com/lorawan-server/lorawan-netctl/internal/storage"
	"github.com/lorawan-server/lorawan-netctl/pkg/crypto"
	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

func main() {
	// 命令行参数
	var configPath = flag.String("config", "config/network-server.yml", "配置文件路径")
	var validateOnly = flag.Bool("validate", false, "仅验证配置文件")
	var showConfig = flag.Bool("show-config", false, "显示配置并退出")
	var hashPassword = flag.String("hash-password", "", "生成运维账号密码哈希并退出")
	flag.Parse()

	// 设置日志
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if *hashPassword != "" {
		hash, err := crypto.HashPassword(*hashPassword)
		if err != nil {
			log.Fatal().Err(err).Msg("生成密码哈希失败")
		}
		fmt.Println(hash)
		return
	}

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("加载配置失败")
	}

	// 设置日志级别
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("无效的日志级别，使用info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	if *showConfig || *validateOnly {
		cfg.PrintConfigSummary()
		if *validateOnly {
			fmt.Println("✅ 配置文件验证通过")
		}
		return
	}

	log.Info().
		Str("config_path", *configPath).
		Str("band", cfg.Network.Band).
		Str("scheduler", cfg.Network.Scheduler).
		Msg("Network Server 启动")

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Network Server 异常退出")
	}
	log.Info().Msg("Network Server 已关闭")
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 存储：配置了 DSN 用 PostgreSQL，否则用内存
	var store storage.Store
	if cfg.Database.DSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("连接数据库失败: %w", err)
		}
		store = pg
		log.Info().Msg("已连接到数据库")
	} else {
		store = storage.NewMemoryStore()
		log.Warn().Msg("未配置数据库，使用内存存储")
	}
	defer store.Close()

	// 连接NATS
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.Server.Name),
		nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS 连接断开")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS 已重连")
		}),
	)
	if err != nil {
		return fmt.Errorf("连接NATS失败: %w", err)
	}
	defer nc.Close()
	log.Info().Str("url", nc.ConnectedUrl()).Msg("已连接到 NATS")

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		if collector, err = metrics.New(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("注册指标失败: %w", err)
		}
	}

	// 事件转发
	events := integration.NewForwarder(store, integration.NewNATSSink(nc, cfg.Integration.NATSSubjectPrefix))
	if cfg.Integration.HTTP.URL != "" {
		events.AddSink(integration.NewHTTPSink(cfg.Integration.HTTP))
	}
	if cfg.Integration.MQTT.Broker != "" {
		sink, err := integration.NewMQTTSink(cfg.Integration.MQTT)
		if err != nil {
			return err
		}
		defer sink.Close()
		events.AddSink(sink)
	}

	opts, err := network.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	ns, err := network.NewServer(opts, store, collector, events)
	if err != nil {
		return err
	}
	region := opts.Dispatcher.Region
	ns.SetLinkFactory(func(id lorawan.EUI64) gateway.Link {
		return gateway.NewNATSLink(nc, id, region)
	})

	external := cfg.Network.Scheduler == "external"
	if !external {
		sched := scheduler.New(ctx, ns.OnReceiveWindowOpen)
		defer sched.Stop()
		ns.SetScheduler(sched)
	}

	if err := ns.Load(ctx); err != nil {
		return fmt.Errorf("加载设备失败: %w", err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = events.Start(ctx)
	}()

	subscriber := server.NewNATSSubscriber(nc, ns, external)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := subscriber.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("NATS 订阅失败: %w", err)
		}
	}()

	var rest *api.RESTServer
	if cfg.API.Enabled {
		rest = api.NewRESTServer(cfg, ns, store, collector, events)
		addr := net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port))
		go func() {
			if err := rest.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("REST API 停止: %w", err)
			}
		}()
	}

	// 处理系统信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("收到退出信号，正在关闭...")
	case runErr = <-errCh:
	}

	if rest != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := rest.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("REST API 关闭失败")
		}
		shutdownCancel()
	}

	cancel()
	wg.Wait()
	return runErr
}
