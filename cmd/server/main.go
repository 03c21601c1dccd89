package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatcore/internal/audit"
	"chatcore/internal/auth"
	"chatcore/internal/broker"
	"chatcore/internal/config"
	"chatcore/internal/db"
	"chatcore/internal/fanout"
	clog "chatcore/internal/log"
	"chatcore/internal/pipeline"
	"chatcore/internal/presence"
	"chatcore/internal/server"
	"chatcore/internal/service"
	"chatcore/internal/store"
	"chatcore/internal/ws"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("chatcore")
	}
}

// run 负责加载配置、初始化日志、连接数据库与 broker，并启动 Gin 服务直到收到退出信号。
func run() error {
	var envFile string
	var migrate bool
	flagSet := pflag.NewFlagSet("chatcore", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", "", "load variables from this file before reading the environment (default: .env)")
	flagSet.BoolVar(&migrate, "migrate", true, "run schema migrations at startup")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	var envFiles []string
	if envFile != "" {
		envFiles = append(envFiles, envFile)
	}
	cfg := config.Load(envFiles...)
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	if migrate {
		if err := db.Migrate(gdb); err != nil {
			return fmt.Errorf("db migrate: %w", err)
		}
	}
	st := store.NewGormStore(gdb)

	kv, err := openBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	origin := uuid.NewString()
	var bus broker.Bus = kv
	if cfg.BusBackend == "nats" {
		nb, err := broker.DialNATS(cfg.NATSURL, "chatcore-"+origin)
		if err != nil {
			return err
		}
		defer nb.Close()
		bus = nb
	}

	hub := ws.NewHub(fanout.NewBridge(bus, "", origin))
	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("fan-out subscribe: %w", err)
	}

	em := audit.NewLogEmitter()
	tokens := auth.NewTokens(cfg.JWTSecret, cfg.AccessTTL(), cfg.RefreshTTL())
	authn := auth.NewAuthenticator(tokens)
	pipe := pipeline.New(st, kv, hub, pipeline.Config{
		RateLimitMax:       cfg.RateLimitMaxMessages,
		RateLimitWindow:    cfg.RateLimitWindow(),
		ReplayWindow:       cfg.ReplayWindow(),
		MaxCiphertextBytes: cfg.MaxCiphertextBytes,
	})
	ready := func(ctx context.Context) error {
		if err := st.Ping(ctx); err != nil {
			return fmt.Errorf("store: %w", err)
		}
		if err := kv.Ping(ctx); err != nil {
			return fmt.Errorf("broker: %w", err)
		}
		return nil
	}
	gw := ws.NewGateway(hub, authn, pipe, presence.NewTracker(kv, hub), em, ready, ws.Options{
		MaxQueueDepth: cfg.MaxQueueDepth,
		// base64 ciphertext plus the JSON envelope and metadata
		MaxFrameBytes: int64(cfg.MaxCiphertextBytes)*2 + 16<<10,
	})
	go ws.NewSupervisor(hub, cfg.HeartbeatInterval(), cfg.HeartbeatTimeout()).Run(ctx)

	h := server.NewHandler(
		service.NewSessionManager(st, tokens, auth.NewSecretHasher(cfg.RefreshHashKey), em),
		service.NewChatService(st),
		pipe, hub, ready,
	)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.SetupRouter(cfg, h, authn, gw),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("instance", origin).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server run: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func openBroker(ctx context.Context, cfg config.Config) (broker.Broker, error) {
	if cfg.BrokerBackend != "redis" {
		log.Warn().Msg("using in-process broker; presence and fan-out are local to this instance")
		return broker.NewMemory(), nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	r, err := broker.DialRedis(dialCtx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	return r, nil
}
