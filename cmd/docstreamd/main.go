// Command docstreamd serves workspaces over WebSocket.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/docstreamdb/docstream/pkg/logger"
	"github.com/docstreamdb/docstream/pkg/session"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:          "docstreamd",
		Short:        "docstream workspace server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("addr", "127.0.0.1:8480", "WebSocket listen address")
	flags.String("metrics-addr", "127.0.0.1:8481", "metrics listen address, empty disables")
	flags.String("data-dir", "./data", "workspace store directory")
	flags.Bool("in-memory", false, "run workspace stores without persistence")
	flags.String("token-secret", "", "session token signing secret")
	flags.Duration("ping-interval", session.DefaultPingInterval, "session ping interval")
	flags.Duration("pong-timeout", session.DefaultPongTimeout, "hung session cutoff")
	flags.Duration("upgrade-grace", session.DefaultUpgradeGrace, "session grace period during upgrade")
	flags.String("log-level", "info", "log level: debug, info, warn, error")

	v.SetEnvPrefix("DOCSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}

	return cmd
}

func run(v *viper.Viper) error {
	level, err := zerolog.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	zl := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	log := logger.FromZerolog(zl)

	secret := v.GetString("token-secret")
	if secret == "" {
		return fmt.Errorf("token-secret is required")
	}

	manager := session.NewManager(session.Config{
		Addr:         v.GetString("addr"),
		TokenSecret:  []byte(secret),
		DataDir:      v.GetString("data-dir"),
		InMemory:     v.GetBool("in-memory"),
		PingInterval: v.GetDuration("ping-interval"),
		PongTimeout:  v.GetDuration("pong-timeout"),
		UpgradeGrace: v.GetDuration("upgrade-grace"),
		Logger:       log,
	})
	if err := manager.Start(); err != nil {
		return fmt.Errorf("start session manager: %w", err)
	}

	var metricsSrv *http.Server
	if addr := v.GetString("metrics-addr"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server stopped", "error", err)
			}
		}()
		log.Info("metrics listening", "addr", addr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	if metricsSrv != nil {
		_ = metricsSrv.Close()
	}
	return manager.Stop()
}
