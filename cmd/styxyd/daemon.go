package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/styxy-dev/styxy/internal/config"
	"github.com/styxy-dev/styxy/internal/daemon"
)

const shutdownTimeout = 10 * time.Second

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the styxy daemon",
	Long:  "Start the port-coordination daemon: loads the user config, recovers state, and serves the HTTP API.",
	RunE:  runDaemon,
}

var (
	listenAddr     string
	stateDir       string
	generateToken  bool
	configFilePath string
)

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (default 127.0.0.1:9876)")
	daemonCmd.Flags().StringVar(&stateDir, "state-dir", "", "Directory for snapshot, config, and audit log (default ~/.styxy)")
	daemonCmd.Flags().StringVar(&configFilePath, "config", "", "Path to the daemon process config file (default ~/.styxy/daemon.json)")
	daemonCmd.Flags().BoolVar(&generateToken, "generate-token", false, "Generate a bearer token at <state-dir>/auth.token if one does not already exist")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfgPath := configFilePath
	if cfgPath == "" {
		cfgPath = config.DefaultPath()
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config %s: %w", cfgPath, err)
	}

	// CLI flags override config file values, which override built-in defaults.
	if stateDir == "" && cfg.StateDir != "" {
		stateDir = cfg.StateDir
		slog.Info("state-dir from config file", "path", stateDir)
	} else if stateDir != "" {
		slog.Info("state-dir from CLI flag", "path", stateDir)
	}
	if stateDir == "" {
		home, err := styxyHome()
		if err != nil {
			return fmt.Errorf("resolving default state dir: %w", err)
		}
		stateDir = home
	}

	if listenAddr == "" && cfg.ListenAddr != "" {
		listenAddr = cfg.ListenAddr
		slog.Info("listen from config file", "addr", listenAddr)
	} else if listenAddr != "" {
		slog.Info("listen from CLI flag", "addr", listenAddr)
	}
	if listenAddr == "" {
		listenAddr = "127.0.0.1:9876"
	}

	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	tokenPath := cfg.AuthTokenPath
	if tokenPath == "" {
		tokenPath = filepath.Join(stateDir, "auth.token")
	}
	token, err := loadOrGenerateToken(tokenPath)
	if err != nil {
		return fmt.Errorf("resolving auth token: %w", err)
	}

	slog.Info("styxy daemon starting", "state_dir", stateDir, "listen", listenAddr, "auth_required", token != "")

	d, err := daemon.New(daemon.Config{
		StateDir:   stateDir,
		ListenAddr: listenAddr,
		AuthToken:  token,
	})
	if err != nil {
		return fmt.Errorf("constructing daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	slog.Info("styxy daemon ready")
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig)

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := d.Stop(stopCtx); err != nil {
		slog.Error("error during shutdown", "error", err)
	}

	slog.Info("styxy daemon stopped")
	return nil
}

// loadOrGenerateToken reads the bearer token from tokenPath. If the file
// does not exist and generateToken was requested, it creates a random
// token and writes it, the same scheme as the teacher's GenerateToken. If
// the file does not exist and generation was not requested, the daemon
// runs without auth.
func loadOrGenerateToken(tokenPath string) (string, error) {
	data, err := os.ReadFile(tokenPath)
	if err == nil {
		return string(data), nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}
	if !generateToken {
		return "", nil
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	token := hex.EncodeToString(b)
	if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
		return "", fmt.Errorf("writing token file: %w", err)
	}
	slog.Info("auth token written", "path", tokenPath)
	return token, nil
}
