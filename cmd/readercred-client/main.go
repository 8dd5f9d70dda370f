// Command readercred-client is a small operator CLI around
// pkg/readerclient: it warms the reader key pool against a running
// reader backend server, reports pool stats, and can pull the built-in
// issuer trust feed, without embedding any mdoc presentation logic of
// its own.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jmhodges/clock"
	"github.com/spf13/cobra"

	"github.com/multipaz/readercred/pkg/attestation"
	"github.com/multipaz/readercred/pkg/config"
	"github.com/multipaz/readercred/pkg/issuertrust"
	"github.com/multipaz/readercred/pkg/log"
	"github.com/multipaz/readercred/pkg/readerclient"
	"github.com/multipaz/readercred/pkg/securearea"
	"github.com/multipaz/readercred/pkg/storage"
	"github.com/multipaz/readercred/pkg/transport"
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
	Use:     "readercred-client",
	Short:   "Operator CLI for the reader backend client key pool",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("readercred-client version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "readercred-client.yaml", "Path to client config file")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(warmCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(issuersCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func newClient(cmd *cobra.Command) (*readerclient.ReaderBackendClient, config.ClientConfig, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		return nil, cfg, fmt.Errorf("load config: %w", err)
	}
	if cfg.ReaderBackendURL == "" {
		return nil, cfg, fmt.Errorf("readerBackendUrl is required in %s", configPath)
	}

	store, err := storage.NewBoltStore(cfg.StorageDataDir)
	if err != nil {
		return nil, cfg, fmt.Errorf("open storage: %w", err)
	}

	// The iOS adapter is an arbitrary software stand-in: a real deployment
	// picks the adapter matching the device this binary runs on.
	adapter := attestation.NewIOSAdapter("com.multipaz.readercred.client", true)

	client, err := readerclient.New(readerclient.Config{
		Store:       store,
		SecureArea:  securearea.NewSoftware(),
		Transport:   transport.NewClient(cfg.ReaderBackendURL),
		Generator:   adapter,
		Clock:       clock.New(),
		TargetCount: cfg.NumKeys,
	})
	if err != nil {
		return nil, cfg, fmt.Errorf("construct reader backend client: %w", err)
	}
	return client, cfg, nil
}

var warmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Warm the key pool to its target size against the reader backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newClient(cmd)
		if err != nil {
			return err
		}
		ctx := context.Background()
		key, err := client.GetKey(ctx, time.Now())
		if err != nil {
			return fmt.Errorf("getKey: %w", err)
		}
		fmt.Printf("pool warm: alias=%s chain_len=%d\n", key.Alias, len(key.CertChain))
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the local key pool's size and next refresh time",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newClient(cmd)
		if err != nil {
			return err
		}
		stats, err := client.Stats()
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		fmt.Printf("valid=%d total=%d next_refresh=%s\n", stats.ValidCount, stats.TotalCount, stats.NextRefresh.Format(time.RFC3339))
		return nil
	},
}

var issuersCmd = &cobra.Command{
	Use:   "issuers",
	Short: "Manage the built-in issuer trust feed",
}

var issuersRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Pull the latest built-in issuer trust list from the reader backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := newClient(cmd)
		if err != nil {
			return err
		}
		store, err := storage.NewBoltStore(cfg.StorageDataDir)
		if err != nil {
			return fmt.Errorf("open trust store: %w", err)
		}
		mgr := issuertrust.New(client, store)
		if err := mgr.Refresh(context.Background(), time.Now()); err != nil {
			return fmt.Errorf("refresh: %w", err)
		}
		entries, err := mgr.Entries()
		if err != nil {
			return fmt.Errorf("entries: %w", err)
		}
		version, err := mgr.CurrentVersion()
		if err != nil {
			return fmt.Errorf("current version: %w", err)
		}
		if version != nil {
			fmt.Printf("built-in issuer trust list: version=%d entries=%d\n", *version, len(entries))
		} else {
			fmt.Printf("built-in issuer trust list: entries=%d\n", len(entries))
		}
		for _, e := range entries {
			fmt.Printf("  - %s (%s)\n", e.Metadata.DisplayName, e.Type)
		}
		return nil
	},
}

func init() {
	issuersCmd.AddCommand(issuersRefreshCmd)
}
