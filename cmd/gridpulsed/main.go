// gridpulsed is the background agent: it runs the protocol poll loop
// and serves the local control surface.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridpulse/gridpulse/internal/client"
	"github.com/gridpulse/gridpulse/internal/config"
	"github.com/gridpulse/gridpulse/internal/guirpc"
	"github.com/gridpulse/gridpulse/internal/logging"
)

var (
	configPath string
	dataDir    string
	rpcPort    int
	httpPort   int
	debug      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gridpulsed",
		Short: "GridPulse volunteer computing agent",
		RunE:  runDaemon,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory override")
	rootCmd.Flags().IntVar(&rpcPort, "rpc-port", 0, "control socket port override")
	rootCmd.Flags().IntVar(&httpPort, "http-port", 0, "HTTP control port override")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if rpcPort != 0 {
		cfg.RPC.Port = rpcPort
	}
	if httpPort != 0 {
		cfg.RPC.HTTPPort = httpPort
	}
	if debug || cfg.Features.DebugMode {
		logging.SetLevel(logging.DEBUG)
	}
	log := logging.WithComponent("daemon")

	if err := ensurePassword(cfg); err != nil {
		return err
	}
	password, err := cfg.RPCPassword()
	if err != nil {
		return err
	}

	state, err := client.New(cfg)
	if err != nil {
		return fmt.Errorf("client setup: %w", err)
	}
	defer state.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rpc := guirpc.NewServer(password, guirpc.Deps{
		Lock:     &state.Mu,
		Projects: state.Projects,
		Notices:  state.Notices,
		Messages: state.Messages,
		Manager:  state.Manager,
		Versions: state.Versions,
		Ops:      state.Ops,
		Host:     state.Host,
		Version:  client.Version,
		ReloadConfig: func() error {
			fresh, err := config.Load(configPath)
			if err != nil {
				return err
			}
			*cfg = *fresh
			return nil
		},
		Quit: state.Quit,
	})

	sock := guirpc.NewSocketServer(rpc, cfg.RPC.AllowRemote)
	if err := sock.Listen(cfg.RPC.Port); err != nil {
		return err
	}
	go func() {
		if err := sock.Serve(ctx); err != nil {
			log.Error("control socket: %v", err)
		}
	}()
	log.Info("control socket on %s", sock.Addr())

	hub := guirpc.NewHub()
	defer hub.Close()
	state.Notices.SetOnInsert(hub.BroadcastNotice)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.RPC.HTTPPort),
		Handler: guirpc.NewHTTPServer(rpc, hub).Router(),
	}
	if cfg.RPC.AllowRemote {
		httpSrv.Addr = fmt.Sprintf(":%d", cfg.RPC.HTTPPort)
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http transport: %v", err)
		}
	}()
	log.Info("http transport on %s", httpSrv.Addr)

	log.Info("gridpulse %s started, data dir %s", client.Version, cfg.DataDir)
	state.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	sock.Close()
	log.Info("shut down")
	return nil
}

// ensurePassword creates the control password file with a random
// password on first run.
func ensurePassword(cfg *config.Config) error {
	if _, err := os.Stat(cfg.RPC.PasswordFile); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return err
	}
	return os.WriteFile(cfg.RPC.PasswordFile, []byte(hex.EncodeToString(buf)), 0600)
}
