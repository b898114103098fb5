package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/fx"

	"github.com/courier-im/courier/internal/config"
	"github.com/courier-im/courier/internal/daemon"
	"github.com/courier-im/courier/internal/session"
)

func main() {
	configFlag := flag.String("config", "", "config file path (default ~/.courier/config.toml)")
	listenFlag := flag.String("listen", "", "listen address (overrides config)")
	flag.Parse()

	configPath := *configFlag
	if configPath == "" {
		configPath = session.ConfigPath()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "error: load config %s: %v\n", configPath, err)
			os.Exit(1)
		}
		cfg = config.Default()
	}
	if *listenFlag != "" {
		cfg.Server.ListenAddr = *listenFlag
	}
	if cfg.Server.DBPath == "" {
		cfg.Server.DBPath = filepath.Join(session.BaseDir(), "courier.db")
	}
	if cfg.Server.LogPath == "" {
		cfg.Server.LogPath = filepath.Join(session.BaseDir(), "logs", "courierd.log")
	}

	app := fx.New(
		daemon.Module(daemon.Params{Config: cfg}),
	)

	app.Run()
}
