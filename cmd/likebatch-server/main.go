package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/oklog/run"
	"github.com/peterbourgon/ff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/sirupsen/logrus"

	"github.com/rzpsarthak13/likebatch/internal/server"
	"github.com/rzpsarthak13/likebatch/pkg/likebatch"
)

type flags struct {
	configFile string
	httpAddr   string
	logLevel   string
	batchStore string
	dbType     string
	dbDSN      string
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		logrus.Fatalf("could not parse flags: %v", err)
	}

	cfg, err := likebatch.LoadConfig(f.configFile)
	if err != nil {
		logrus.Fatalf("could not load configuration: %v", err)
	}
	applyFlags(cfg, f)

	logger := createLogger(cfg.LogLevel)

	// metrics
	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		versioncollector.NewCollector("likebatch"),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	client, err := likebatch.NewClient(cfg,
		likebatch.WithLogger(logger),
		likebatch.WithRegisterer(metrics))
	if err != nil {
		logger.Fatalf("could not create client: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g run.Group
	{
		reconciler := client.Reconciler()
		g.Add(func() error {
			return reconciler.Run(ctx)
		}, func(error) {
			cancel()
			reconciler.Stop()
		})
	}
	if consumer := client.Consumer(); consumer != nil {
		g.Add(func() error {
			return consumer.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	if interval := cfg.Cache.SweepInterval; interval > 0 {
		g.Add(func() error {
			return client.Cache().Run(ctx, interval)
		}, func(error) {
			cancel()
		})
	}
	{
		httpServer := server.New(client, logger, metrics,
			server.WithListen(cfg.Server.Addr),
			server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout))

		g.Add(func() error {
			return httpServer.Start()
		}, func(err error) {
			httpServer.Stop(err)
		})
	}
	{
		sig := make(chan os.Signal, 1)
		g.Add(func() error {
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			select {
			case s := <-sig:
				return fmt.Errorf("received signal %s", s)
			case <-ctx.Done():
				return ctx.Err()
			}
		}, func(error) {
			signal.Stop(sig)
			cancel()
		})
	}

	logger.WithError(g.Run()).Info("exit")
}

// parseFlags reads args, then LIKEBATCH_* environment variables for flags
// not given on the command line.
func parseFlags(args []string) (flags, error) {
	fs := flag.NewFlagSet("likebatch", flag.ContinueOnError)
	var f flags
	fs.StringVar(&f.configFile, "config", "", "path to a YAML or JSON config file")
	fs.StringVar(&f.httpAddr, "http-addr", "", "http listen address (overrides server.addr)")
	fs.StringVar(&f.logLevel, "log-level", "", "log level (panic, fatal, error, warn, info, debug, trace)")
	fs.StringVar(&f.batchStore, "batch-store", "", "batch store type (memory/sqlite/redis/dynamodb)")
	fs.StringVar(&f.dbType, "db-type", "", "primary database type (mysql/sqlite)")
	fs.StringVar(&f.dbDSN, "db-dsn", "", "sqlite database path")
	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("LIKEBATCH")); err != nil {
		return flags{}, err
	}
	return f, nil
}

// applyFlags overrides the loaded configuration with the flags that were set.
func applyFlags(cfg *likebatch.Config, f flags) {
	if f.httpAddr != "" {
		cfg.Server.Addr = f.httpAddr
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.batchStore != "" {
		cfg.BatchStore.Type = f.batchStore
	}
	if f.dbType != "" {
		cfg.Database.Type = f.dbType
	}
	if f.dbDSN != "" {
		cfg.Database.DSN = f.dbDSN
	}
}

func createLogger(logLevel string) *logrus.Logger {
	logger := logrus.StandardLogger()
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}

	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(level)
	logger.Infof("setting log level to %v", level)

	return logger
}
