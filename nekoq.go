package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/meidoworks/nekoq-coord/apps/coordgate/lib"
	"github.com/meidoworks/nekoq-coord/config"
	"github.com/meidoworks/nekoq-coord/shared/logging"

	"github.com/spf13/afero"
)

var _mainLogger = logging.NewLogger("Main")

var (
	configFile           string
	generateSampleConfig bool
)

func init() {
	flag.StringVar(&configFile, "c", "coord.toml", "-c=coord.toml")
	flag.BoolVar(&generateSampleConfig, "gencfg", false, "-gencfg")

	flag.Parse()
}

func main() {
	fs := afero.NewOsFs()
	if generateSampleConfig {
		f, err := fs.Create("coord.toml.example")
		if err != nil {
			panic(err)
		}
		if err := config.WriteDefault(f); err != nil {
			panic(err)
		}
		if err := f.Close(); err != nil {
			panic(err)
		}
		os.Exit(0)
	}

	cfg, err := config.LoadFile(fs, configFile)
	if err != nil {
		panic(err)
	}
	if err := logging.SetLevel(cfg.Log.Level); err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := lib.Run(ctx, cfg); err != nil {
		_mainLogger.Errorf("failed to serve: %v", err)
		os.Exit(1)
	}
	_mainLogger.Info("terminated")
}
