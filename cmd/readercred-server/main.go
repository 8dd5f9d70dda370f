// Command readercred-server runs the reader backend server: getNonce,
// register, certifyKeys, and getIssuerList over HTTP, backed by a
// bbolt-persisted reader root.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmhodges/clock"
	"github.com/spf13/cobra"

	"github.com/multipaz/readercred/pkg/attestation"
	"github.com/multipaz/readercred/pkg/config"
	"github.com/multipaz/readercred/pkg/log"
	"github.com/multipaz/readercred/pkg/metrics"
	"github.com/multipaz/readercred/pkg/server"
	"github.com/multipaz/readercred/pkg/storage"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "readercred-server",
	Short:   "Reader backend server for mdoc reader authentication",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("readercred-server version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the reader backend server",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		listenAddr, _ := cmd.Flags().GetString("listen")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		cfg, err := config.LoadServerConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if listenAddr != "" {
			cfg.ListenAddr = listenAddr
		}
		if cfg.ListenAddr == "" {
			cfg.ListenAddr = "127.0.0.1:8090"
		}

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		// Software adapters stand in for the platform-specific attestation
		// services (DeviceCheck/App Attest, Play Integrity) that are out
		// of scope for this binary; swap this wiring out for a real
		// validator when one exists.
		adapter := attestation.NewIOSAdapter(cfg.IOSAppIdentifier, cfg.IOSReleaseBuild)

		backend, err := server.NewBackend(store, adapter, adapter, clock.New(), cfg)
		if err != nil {
			return fmt.Errorf("construct backend: %w", err)
		}

		mux := http.NewServeMux()
		server.NewRouter(backend).Mount(mux, "/rpc")
		mux.Handle("/metrics", metrics.Handler())

		log.WithComponent("server").Info().Str("addr", cfg.ListenAddr).Msg("starting reader backend server")

		httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
		errCh := make(chan error, 1)
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		if metricsAddr != "" && metricsAddr != cfg.ListenAddr {
			go func() {
				metricsMux := http.NewServeMux()
				metricsMux.Handle("/metrics", metrics.Handler())
				if err := http.ListenAndServe(metricsAddr, metricsMux); err != nil {
					log.WithComponent("server").Warn().Err(err).Msg("metrics server exited")
				}
			}()
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
			log.WithComponent("server").Info().Msg("shutting down")
		case err := <-errCh:
			return fmt.Errorf("server error: %w", err)
		}
		return httpSrv.Shutdown(context.Background())
	},
}

func init() {
	serveCmd.Flags().String("config", "readercred-server.yaml", "Path to server config file")
	serveCmd.Flags().String("listen", "", "Override the config file's listenAddr")
	serveCmd.Flags().String("metrics-addr", "", "Separate address for /metrics, if not served on --listen")
}
