// Command appmanager is the per-host supervisor daemon: it loads the TOML
// config, wires every subsystem, and runs until a shutdown signal is
// received.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/jutuon/app-manager/internal/config"
	"github.com/jutuon/app-manager/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "appmanager:", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("appmanager", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "/etc/app-manager/config.toml", "path to the TOML config file")
	logLevel := flags.String("log-level", "info", "log level: debug, info, warn, error")
	config.RegisterDaemonFlags(flags)
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("invalid log-level %q: %w", *logLevel, err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		return err
	}

	ctx := log.WithLogger(context.Background(), log.L)
	log.G(ctx).WithField("storage_dir", cfg.StorageDir).Info("configuration loaded")

	sup, err := supervisor.New(cfg)
	if err != nil {
		return err
	}
	return sup.Run(ctx)
}
