// Command bearguard runs the per-application firewall daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"bearguard/internal/core"
	"bearguard/internal/ipc"
	"bearguard/internal/platform"
	"bearguard/internal/service"
	"bearguard/internal/storage"
)

// Build info, injected via ldflags at compile time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "/etc/bearguard/config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	showStatus := flag.Bool("status", false, "Query a running daemon over the control socket and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("bearguard %s (commit=%s, built=%s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if *showStatus {
		if err := status(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := run(*configPath); err != nil {
		core.Log.Errorf("Core", "%v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// === 1. Config and logging ===
	bus := core.NewEventBus()
	cfgManager := core.NewConfigManager(configPath, bus)
	if err := cfgManager.Load(); err != nil {
		return err
	}
	cfg := cfgManager.Get()

	core.SetLogger(core.NewLogger(cfg.Logging))
	defer core.Log.Close()
	core.Log.Infof("Core", "BearGuard %s starting (config %s)", version, configPath)

	// === 2. Rule storage ===
	store, err := storage.Open(cfg.Storage, filepath.Dir(configPath))
	if err != nil {
		return err
	}
	defer store.Close()

	// === 3. Platform ===
	plat, err := newPlatform(cfg)
	if err != nil {
		return fmt.Errorf("[Core] platform: %w", err)
	}
	defer func() {
		if err := plat.Shutdown(); err != nil {
			core.Log.Warnf("Core", "Platform shutdown: %v", err)
		}
	}()

	// === 4. Service ===
	svc, err := service.New(service.Config{
		ConfigManager: cfgManager,
		EventBus:      bus,
		Platform:      plat,
		Store:         store,
		Version:       version,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// SIGHUP re-reads the config; policy changes apply to the next install.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := cfgManager.Load(); err != nil {
					core.Log.Errorf("Core", "Reload: %v", err)
				}
			}
		}
	}()

	return svc.Run(ctx)
}

func status(configPath string) error {
	cfgManager := core.NewConfigManager(configPath, nil)
	if err := cfgManager.Load(); err != nil {
		return err
	}
	socket := cfgManager.Get().Control.Socket
	if socket == "" {
		return fmt.Errorf("control socket disabled in %s", configPath)
	}

	client, err := ipc.Dial(platform.NewUnixSocket(socket))
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	on, err := client.Protected(ctx)
	if err != nil {
		return err
	}
	if on {
		fmt.Println("protection: active")
	} else {
		fmt.Println("protection: inactive")
	}
	return nil
}
