// refnetd runs one worker of a refnet group: it loads the worker
// configuration, joins the group on its configured rank and serves compiled
// function calls until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/refnet/refnet/callable"
	"github.com/refnet/refnet/config"
	"github.com/refnet/refnet/debugserver"
	"github.com/refnet/refnet/lifecycle"
	"github.com/refnet/refnet/network"
	"github.com/refnet/refnet/rpc"
	"github.com/refnet/refnet/value"
)

func main() {
	configPath := flag.String("config", "", "path to the worker configuration file")
	flag.Parse()

	loader := config.NewLoader()

	var (
		cfg     *config.Config
		watcher *config.Watcher
		err     error
	)
	if *configPath != "" {
		watcher, err = config.NewWatcher(*configPath, loader, nil)
		if err != nil {
			log.Fatalf("Failed to load config %s: %v", *configPath, err)
		}
		cfg = watcher.GetConfig()
	} else {
		cfg, err = loader.AutoLoad()
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	network.SetLogger(logger.Named("network"))
	rpc.SetLogger(logger.Named("rpc"))
	debugserver.SetLogger(logger.Named("debug"))

	worker, err := rpc.NewWorker(cfg, builtins())
	if err != nil {
		logger.Fatal("failed to build worker", zap.Error(err))
	}

	mgr := lifecycle.NewManager(logger.Named("lifecycle"))
	mgr.Register(&workerService{worker: worker})
	if cfg.Debug.Enabled {
		mgr.Register(&debugService{
			server: debugserver.New(worker, cfg.Debug),
		}, "worker")
	}
	if watcher != nil {
		watcher.OnConfigChange(func(oldCfg, newCfg *config.Config) {
			logger.Info("configuration reloaded",
				zap.String("log_level", string(newCfg.Log.Level)))
		})
		mgr.Register(&watcherService{watcher: watcher}, "worker")
	}

	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		mgr.Stop(ctx)
		logger.Fatal("startup failed", zap.Error(err))
	}
	logger.Info("worker running",
		zap.String("name", worker.Name()),
		zap.String("address", worker.Addr()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := mgr.Stop(stopCtx); err != nil {
		logger.Warn("shutdown finished with errors", zap.Error(err))
	}
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	return zc.Build()
}

// builtins is the function space every refnetd worker serves. Real
// deployments register their own compiled functions on top.
func builtins() *callable.Registry {
	r := callable.NewRegistry()

	r.MustRegister(&callable.Function{
		Name: "ping",
		Body: func(ctx context.Context, rt callable.Runtime, args []value.Value) (value.Value, error) {
			return value.NewString("pong from " + rt.WorkerName(rt.SelfRank())), nil
		},
	})

	r.MustRegister(&callable.Function{
		Name:   "echo",
		Params: []callable.Param{{Name: "value"}},
		Body: func(ctx context.Context, rt callable.Runtime, args []value.Value) (value.Value, error) {
			return args[0], nil
		},
	})

	r.MustRegister(&callable.Function{
		Name:   "add",
		Params: []callable.Param{{Name: "x"}, {Name: "y"}},
		Body: func(ctx context.Context, rt callable.Runtime, args []value.Value) (value.Value, error) {
			return value.Add(args[0], args[1])
		},
	})

	r.MustRegister(&callable.Function{
		Name:   "make_ref",
		Params: []callable.Param{{Name: "value"}},
		Body: func(ctx context.Context, rt callable.Runtime, args []value.Value) (value.Value, error) {
			return rt.CreateRef(args[0], ""), nil
		},
	})

	return r
}

// workerService adapts the worker to the lifecycle interface.
type workerService struct {
	worker *rpc.Worker
}

func (s *workerService) Name() string { return "worker" }

func (s *workerService) Start(ctx context.Context) error {
	return s.worker.Start(ctx)
}

func (s *workerService) Stop(ctx context.Context) error {
	return s.worker.Stop()
}

type debugService struct {
	server *debugserver.Server
}

func (s *debugService) Name() string { return "debug" }

func (s *debugService) Start(ctx context.Context) error {
	return s.server.Start()
}

func (s *debugService) Stop(ctx context.Context) error {
	return s.server.Stop(ctx)
}

type watcherService struct {
	watcher *config.Watcher
}

func (s *watcherService) Name() string { return "config-watcher" }

func (s *watcherService) Start(ctx context.Context) error {
	return s.watcher.Start()
}

func (s *watcherService) Stop(ctx context.Context) error {
	return s.watcher.Stop()
}
