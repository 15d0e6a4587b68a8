package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kwickpos/webble-bridge/internal/ble"
	"github.com/kwickpos/webble-bridge/internal/bridge"
	"github.com/kwickpos/webble-bridge/internal/config"
	"github.com/kwickpos/webble-bridge/internal/scriptport"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/webble-bridge/config.yaml)")
	listenAddr := flag.String("listen", "", "listen address override (e.g. 127.0.0.1:8735)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	// Initialize the native BLE adapter
	adapter, err := ble.NewNativeAdapter()
	if err != nil {
		log.Fatalf("Failed to initialize Bluetooth adapter: %v\n\nCheck that bluetoothd is running and the adapter is powered on.", err)
	}
	slog.Info("Bluetooth adapter ready")

	// The WebSocket port doubles as the device picker surface: the
	// scripting client renders the chooser.
	port := scriptport.NewServer(cfg.ListenAddr)

	opts := bridge.DefaultOptions()
	opts.ScanTimeout = cfg.ScanTimeout()
	opts.BondPollInterval = cfg.PollInterval()
	opts.MaxBondAttempts = cfg.Pairing.MaxAttempts
	opts.NameFilter = cfg.NameFilter()

	br := bridge.New(adapter, port, port, opts)
	port.SetController(br)

	// Signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig.String())
		br.Close()
		cancel()
	}()

	if err := port.Start(ctx); err != nil {
		log.Fatalf("scriptport: %v", err)
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== webble-bridge ===")
	fmt.Printf("  Listen:   %s\n", cfg.ListenAddr)
	fmt.Printf("  Scan:     %s window\n", cfg.ScanTimeout())
	fmt.Printf("  Pairing:  %s poll, %d attempts\n", cfg.PollInterval(), cfg.Pairing.MaxAttempts)
	if len(cfg.Scan.NamePrefixes) > 0 {
		fmt.Printf("  Devices:  %s\n", strings.Join(cfg.Scan.NamePrefixes, ", "))
	}
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("=====================")
}
