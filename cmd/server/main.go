// Command docs-server starts the document lifecycle service.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/and161185/docservice/internal/callback"
	"github.com/and161185/docservice/internal/config"
	"github.com/and161185/docservice/internal/crypto"
	"github.com/and161185/docservice/internal/editordata"
	"github.com/and161185/docservice/internal/httpapi"
	"github.com/and161185/docservice/internal/limiter"
	"github.com/and161185/docservice/internal/migrate"
	"github.com/and161185/docservice/internal/queue"
	"github.com/and161185/docservice/internal/repository"
	memrepo "github.com/and161185/docservice/internal/repository/memory"
	"github.com/and161185/docservice/internal/repository/postgres"
	"github.com/and161185/docservice/internal/scheduler"
	grpcserver "github.com/and161185/docservice/internal/server/grpc"
	"github.com/and161185/docservice/internal/service"
	"github.com/and161185/docservice/internal/storage"
	"github.com/and161185/docservice/internal/sweep"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// taskQueue is a queue that also feeds worker results back.
type taskQueue interface {
	queue.TaskQueue
	queue.Consumer
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.HTTPAddr),
		zap.Bool("memory", cfg.Memory()),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Status store
	var (
		repo     repository.TaskResultRepository
		attempts limiter.Limiter
		dbPing   func(context.Context) error
	)
	if cfg.Memory() {
		repo = memrepo.NewTaskResultRepo(time.Now)
		if cfg.PasswordMaxFails > 0 {
			attempts = limiter.NewMemory(cfg.PasswordWindow, cfg.PasswordMaxFails, cfg.PasswordBlock, time.Now)
		}
	} else {
		if err := migrate.Up(ctx, cfg.DSN); err != nil {
			logger.Fatal("migrate up", zap.Error(err))
		}
		db, err := postgres.New(ctx, cfg.DSN, int32(cfg.MaxConns))
		if err != nil {
			logger.Fatal("postgres", zap.Error(err))
		}
		defer db.Close()
		repo = postgres.NewTaskResultRepo(db)
		if cfg.PasswordMaxFails > 0 {
			attempts = limiter.NewPG(db.Pool, cfg.PasswordWindow, cfg.PasswordMaxFails, cfg.PasswordBlock)
		}
		dbPing = db.Pool.Ping
	}

	// Editor data
	var editor editordata.Store
	if cfg.RedisAddr != "" {
		rd, err := editordata.NewRedis(ctx, editordata.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer func() { _ = rd.Close() }()
		editor = rd
	} else {
		editor = editordata.NewMemory(time.Now)
	}

	// Task queue
	var tasks taskQueue
	if servers := cfg.NATSServers(); len(servers) > 0 {
		nq, err := queue.DialNATS(queue.NATSConfig{Servers: servers, Prefix: cfg.NATSPrefix}, logger)
		if err != nil {
			logger.Fatal("nats", zap.Error(err))
		}
		defer func() { _ = nq.Close() }()
		tasks = nq
	} else {
		tasks = queue.NewMemory()
	}

	// Object storage
	signer := storage.NewSigner([]byte(cfg.URLKey), cfg.URLSessionTTL, cfg.URLTemporary)
	store, err := storage.NewLocalStore(cfg.StorageRoot, signer)
	if err != nil {
		logger.Fatal("storage", zap.Error(err))
	}

	var cipher *crypto.PasswordCipher
	if cfg.PasswordSecret != "" {
		cipher, err = crypto.NewPasswordCipher([]byte(cfg.PasswordSecret), []byte(cfg.PasswordSalt))
		if err != nil {
			logger.Fatal("password cipher", zap.Error(err))
		}
	}

	statuses, err := callback.ParseStatusRanges(cfg.CallbackStatuses)
	if err != nil {
		logger.Fatal("callback statuses", zap.Error(err))
	}

	// Services
	cache := service.NewCache(repo, store, logger)
	engine := callback.NewEngine(callback.Deps{
		Repo:    repo,
		Store:   store,
		Editor:  editor,
		Queue:   tasks,
		Sender:  callback.NewSender(callback.SenderOptions{Timeout: cfg.CallbackTimeout, SignKey: []byte(cfg.OutboxSecret)}),
		WOPI:    callback.NewWOPIClient(cfg.CallbackTimeout),
		Cleaner: cache,
	}, callback.Options{
		Backoff: callback.BackoffOptions{
			Retries:    cfg.CallbackRetries,
			MinTimeout: cfg.CallbackMinTimeout,
			MaxTimeout: cfg.CallbackMaxTimeout,
			Statuses:   statuses,
		},
		ForgottenName: cfg.ForgottenName,
	}, logger)

	outputs := service.NewOutputBox(0)
	docs := service.NewDocService(service.Deps{
		Repo:     repo,
		Store:    store,
		Editor:   editor,
		Queue:    tasks,
		Engine:   engine,
		Cipher:   cipher,
		Outputs:  outputs,
		Attempts: attempts,
	}, service.Options{
		Caps: service.Capabilities{
			OpenProtectedFile: cfg.OpenProtectedFile && cipher != nil,
			PasswordColumn:    true,
		},
		UpdateVersionExpiry: cfg.UpdateVersionExpiry,
		PresenceTTL:         cfg.PresenceTTL,
		ForceSaveInterval:   cfg.ForceSaveInterval,
		SaveFormat:          cfg.SaveFormat,
		ForgottenName:       cfg.ForgottenName,
	}, logger)

	sessions := scheduler.New(httpapi.SessionCallbacks(docs, outputs, logger), scheduler.Options{Tick: cfg.SchedulerTick}, logger)
	sessions.Start(ctx)
	defer sessions.Stop()

	sweeper := sweep.New(repo, editor, docs, cache, sweep.Options{
		FileExpireInterval:     cfg.FileExpireInterval,
		FileMaxAge:             cfg.FileMaxAge,
		DocumentExpireInterval: cfg.DocumentExpireInterval,
		ForceSaveInterval:      cfg.ForceSaveCheckInterval,
	}, logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	health := func(ctx context.Context) error {
		if engine.IsShutdown() {
			return errors.New("shutting down")
		}
		if dbPing != nil {
			return dbPing(ctx)
		}
		return nil
	}

	errCh := make(chan error, 3)

	// Worker results
	go func() {
		if err := tasks.Consume(ctx, docs.ReceiveTask); err != nil {
			errCh <- err
		}
	}()

	// HTTP API
	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.New(httpapi.Deps{
			Docs:     docs,
			Outputs:  outputs,
			Sessions: sessions,
			Files:    store,
		}, httpapi.Options{
			InboxSecret: []byte(cfg.InboxSecret),
			SessionTimeouts: scheduler.Timeouts{
				Idle:     cfg.IdleTimeout,
				Absolute: cfg.AbsoluteTimeout,
			},
			Health: health,
		}, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Health listener
	var ops *grpcserver.Ops
	if cfg.OpsAddr != "" {
		var opts []grpc.ServerOption
		if cfg.OpsTLSCert != "" {
			creds, err := credentials.NewServerTLSFromFile(cfg.OpsTLSCert, cfg.OpsTLSKey)
			if err != nil {
				logger.Fatal("failed to load TLS cert/key", zap.Error(err))
			}
			opts = append(opts, grpc.Creds(creds))
		}
		ops = grpcserver.New(health, cfg.Dev, logger, opts...)
		lis, err := net.Listen("tcp", cfg.OpsAddr)
		if err != nil {
			logger.Fatal("listen", zap.Error(err))
		}
		go ops.Watch(ctx, 5*time.Second)
		go func() {
			if err := ops.Serve(lis); err != nil {
				errCh <- err
			}
		}()
	}

	// Wait for stop
	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		stop()
	}

	// graceful shutdown
	engine.SetShutdown(true)
	if ops != nil {
		ops.Stop(cfg.ShutdownTimeout)
	}
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
