// Command fluserver runs one Flash Log Unit as a standalone process: it
// loads configuration, opens the FLU, wires telemetry, and blocks until an
// interrupt or termination signal triggers a graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kdevo/goflu/core/flu"
	"github.com/kdevo/goflu/pkg/config"
	"github.com/kdevo/goflu/pkg/logger"
	"github.com/kdevo/goflu/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

var configPath = flag.String("config", "", "path to a YAML config file (optional; flags override its fields)")

func main() {
	cfg := config.Default()
	cfg.BindFlags(flag.CommandLine)
	flag.Parse()

	if *configPath != "" {
		fileCfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fluserver: %v\n", err)
			os.Exit(1)
		}
		// The flags stay bound to cfg's fields: remember the explicitly set
		// ones, load the file over cfg, then re-apply them on top of it.
		explicit := map[string]string{}
		flag.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })
		cfg = fileCfg
		for name, value := range explicit {
			_ = flag.Set(name, value)
		}
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fluserver: initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("starting fluserver", zap.String("dir", cfg.Dir), zap.Int("page_size", cfg.PageSize), zap.Int64("max_mem", cfg.MaxMem))

	instanceID := uuid.New()
	tel, telShutdown, err := telemetry.New(cfg.Telemetry, instanceID.String())
	if err != nil {
		log.Fatal("initializing telemetry", zap.Error(err))
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		log.Fatal("creating data directory", zap.Error(err))
	}

	fluCfg := cfg.FLUConfig()
	fluCfg.Logger = log
	fluCfg.Tracer = tel.Tracer
	fluCfg.InstanceID = instanceID

	node, err := flu.Open(fluCfg)
	if err != nil {
		log.Fatal("opening flu", zap.Error(err))
	}

	metrics, err := telemetry.NewFLUMetrics(tel.Meter, node)
	if err != nil {
		log.Fatal("registering metrics", zap.Error(err))
	}
	node.SetMetrics(metrics)

	log.Info("fluserver ready", zap.String("instance_id", node.InstanceID()))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	setupSignalHandling(log, stop)

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-stop
		log.Info("shutdown signal received, stopping flu")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := node.Stop(ctx); err != nil {
			log.Error("flu stop failed", zap.Error(err))
		}
		if err := telShutdown(ctx); err != nil {
			log.Error("telemetry shutdown failed", zap.Error(err))
		}
	}()

	wg.Wait()
	log.Info("fluserver exited")
}

func setupSignalHandling(log *zap.Logger, stop chan struct{}) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signals
		log.Info("received signal", zap.String("signal", sig.String()))
		close(stop)
	}()
}
