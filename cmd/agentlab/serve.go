package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/xela07ax/agentlab/internal/agentclient"
	"github.com/xela07ax/agentlab/internal/api"
	"github.com/xela07ax/agentlab/internal/dialog"
	"github.com/xela07ax/agentlab/internal/events"
	"github.com/xela07ax/agentlab/internal/infra"
	"github.com/xela07ax/agentlab/internal/infra/auth"
	"github.com/xela07ax/agentlab/internal/metrics"
	"github.com/xela07ax/agentlab/internal/nlu"
	"github.com/xela07ax/agentlab/internal/orchestrator"
	"github.com/xela07ax/agentlab/internal/registry"
	"github.com/xela07ax/agentlab/internal/supervisor"
	"github.com/xela07ax/agentlab/internal/workspace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the gRPC service and the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	// 1. Конфиг и логгер
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// 2. Метрики
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(promReg)
	metricsHandler := promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})

	// 3. Redis (опционально): кэш статусов + Pub/Sub для внешних наблюдателей
	var (
		rdb       *redis.Client
		publisher *events.Publisher
		notifier  registry.StatusNotifier
	)
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		publisher = events.NewPublisher(rdb, logger)
		notifier = publisher
	}

	// 4. Реестр и рабочие директории
	ws := workspace.NewProvisioner(afero.NewOsFs(), cfg.Workspace.BaseDir, cfg.Workspace.TemplatesDir, cfg.Workspace.Templates, logger)
	reg := registry.New(
		registry.NewFileStore(cfg.Registry.Path),
		registry.NewPortAllocator(cfg.Ports.BindHost),
		ws,
		registry.Options{
			PortLower:  cfg.Ports.Lower,
			PortUpper:  cfg.Ports.Upper,
			StrictLoad: cfg.Registry.StrictLoad,
			Notifier:   notifier,
			Metrics:    m,
		},
		logger,
	)
	if err := reg.Load(); err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	if publisher != nil {
		if err := publisher.Warmup(ctx, reg.List()); err != nil {
			logger.Warn("redis warmup failed", zap.Error(err))
		}
	}

	// 5. Обучение и клиент агентов
	sup := supervisor.New(supervisor.Config{
		Backend:        supervisor.Backend(cfg.Training.Backend),
		Binary:         cfg.Training.Binary,
		Args:           cfg.Training.Args,
		Timeout:        cfg.Training.Timeout,
		SimulatedDelay: cfg.Training.SimulatedDelay,
	}, reg, ws, m, logger)

	ac := cfg.AgentClient
	client := agentclient.New(agentclient.Config{
		BaseURL:        ac.BaseURL,
		HealthTimeout:  ac.HealthTimeout,
		MessageTimeout: ac.MessageTimeout,
		ShutdownGrace:  ac.ShutdownGrace,
		Reliability: agentclient.ReliabilityConfig{
			Attempts:      ac.RetryAttempts,
			RateLimit:     ac.RateLimit,
			RateBurst:     ac.RateBurst,
			CBMaxRequests: ac.CBMaxRequests,
			CBInterval:    ac.CBInterval,
			CBTimeout:     ac.CBTimeout,
			CBMaxFailures: ac.CBMaxFailures,
		},
	}, m, logger)

	// 6. Журнал диалогов: пишем пачками в фоне
	store, err := dialog.Open(ctx, cfg.Dialog.Driver, cfg.Dialog.DSN, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	writer := dialog.NewWriter(store, dialog.WriterConfig{
		BufferSize:    cfg.Dialog.BufferSize,
		BatchSize:     cfg.Dialog.BatchSize,
		FlushInterval: cfg.Dialog.FlushInterval,
	}, m, logger)
	writer.Start()
	defer writer.Stop()

	svc := orchestrator.NewService(orchestrator.Deps{
		Registry: reg,
		Trainer:  sup,
		Client:   client,
		NLU:      nlu.NewCodec(afero.NewOsFs(), logger),
		Sink:     writer,
		Log:      store,
		Metrics:  m,
	}, logger)

	// 7. Авторизация операторов
	opts := api.Options{}
	if cfg.Metrics.Addr == "" {
		opts.Metrics = metricsHandler
	}
	var validator auth.TokenValidator
	if cfg.Auth.Enabled {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return fmt.Errorf("auth public key: %w", err)
		}
		v := auth.NewValidator(pub)
		validator, opts.Validator = v, v
		if len(cfg.Auth.PrivateKey) > 0 {
			priv, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
			if err != nil {
				return fmt.Errorf("auth private key: %w", err)
			}
			opts.Issuer = auth.NewIssuer(cfg.Auth.Operators, priv, cfg.Auth.TokenTTL)
		}
	}

	// 8. Серверы
	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewServer(svc, opts, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	grpcSrv, health := api.NewGRPCServer(svc, validator, logger)

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	// Все порты занимаются до запуска горутин: сбой бинда не оставляет висящих серверов
	addrs := []string{httpSrv.Addr}
	if cfg.GRPC.Port > 0 {
		addrs = append(addrs, net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.GRPC.Port)))
	}
	if metricsSrv != nil {
		addrs = append(addrs, metricsSrv.Addr)
	}
	listeners, err := listenAll(addrs...)
	if err != nil {
		return err
	}
	httpLis, rest := listeners[0], listeners[1:]

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http api started", zap.String("addr", httpLis.Addr().String()))
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http api: %w", err)
		}
		return nil
	})

	if cfg.GRPC.Port > 0 {
		lis := rest[0]
		rest = rest[1:]
		g.Go(func() error {
			logger.Info("grpc server started", zap.String("addr", lis.Addr().String()))
			return grpcSrv.Serve(lis)
		})
	}

	if metricsSrv != nil {
		lis := rest[0]
		g.Go(func() error {
			logger.Info("metrics endpoint started", zap.String("addr", lis.Addr().String()))
			if err := metricsSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
	}

	// 9. Graceful Shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("agentlab stopping...")
		health.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", zap.Error(err))
		}
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		grpcSrv.GracefulStop()

		// Процессы обучения прерываются, агенты уходят в error с диагностикой
		if err := sup.Close(shutdownCtx); err != nil {
			logger.Warn("training jobs did not finish in time", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("agentlab exited", zap.Error(err))
	return err
}

// listenAll занимает адреса по порядку. При первой же ошибке уже открытые
// слушатели закрываются.
func listenAll(addrs ...string) ([]net.Listener, error) {
	out := make([]net.Listener, 0, len(addrs))
	for _, addr := range addrs {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range out {
				_ = l.Close()
			}
			return nil, fmt.Errorf("failed to listen %s: %w", addr, err)
		}
		out = append(out, lis)
	}
	return out, nil
}
