package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kalibrium/fieldsync/internal/api"
	"github.com/kalibrium/fieldsync/internal/engine"
	"github.com/kalibrium/fieldsync/internal/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline sync engine for field technicians",
	Long: `fieldsync keeps a technician's device usable without connectivity.

It maintains a local SQLite cache of the entities a technician works with
(work orders, equipment, checklists, standard weights), queues every write
while offline, and replays the queue to the server in idempotent batches
when connectivity returns. A realtime websocket channel triggers
opportunistic resyncs when other users change data.

Configuration is read from --config, $FIELDSYNC_* environment variables,
or ~/.fieldsync.yaml, in that order of precedence.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.fieldsync.yaml)")
	rootCmd.PersistentFlags().String("server", "", "API base URL, e.g. https://erp.example.com/api/v1/tech")
	rootCmd.PersistentFlags().String("realtime-url", "", "websocket base URL, e.g. wss://erp.example.com/realtime")
	rootCmd.PersistentFlags().String("token", "", "bearer token for the authenticated technician")
	rootCmd.PersistentFlags().String("tenant", "", "tenant ID for the private realtime channel")
	rootCmd.PersistentFlags().String("user", "", "user ID for the private realtime channel")
	rootCmd.PersistentFlags().String("db", "", "local cache database path (default ~/.fieldsync/cache.db)")
	rootCmd.PersistentFlags().String("spool", "", "attachment spool directory (default ~/.fieldsync/spool)")
	rootCmd.PersistentFlags().String("log-file", "", "log to a rotating file instead of stderr")

	for _, flag := range []string{"server", "realtime-url", "token", "tenant", "user", "db", "spool", "log-file"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigName(".fieldsync")
			viper.SetConfigType("yaml")
		}
	}

	viper.SetEnvPrefix("FIELDSYNC")
	viper.AutomaticEnv()

	// Missing config file is fine; flags and env still apply.
	_ = viper.ReadInConfig()
}

// dataDir resolves the fieldsync state directory, creating it if needed.
func dataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".fieldsync")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dir, nil
}

func dbPath() (string, error) {
	if p := viper.GetString("db"); p != "" {
		return p, nil
	}
	dir, err := dataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cache.db"), nil
}

func spoolDir() (string, error) {
	if p := viper.GetString("spool"); p != "" {
		return p, nil
	}
	dir, err := dataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "spool"), nil
}

// newLogger builds the shared logger. With --log-file set, output goes
// to a size-rotated file so a long-running daemon doesn't fill the disk.
func newLogger(prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	if path := viper.GetString("log-file"); path != "" {
		out = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     14, // days
		}
	}
	return log.New(out, prefix, log.LstdFlags)
}

func openStore() (*store.Store, error) {
	path, err := dbPath()
	if err != nil {
		return nil, err
	}
	return store.Open(path)
}

func newClient(logger *log.Logger) (*api.Client, error) {
	base := viper.GetString("server")
	if base == "" {
		return nil, fmt.Errorf("server URL not configured (use --server or FIELDSYNC_SERVER)")
	}
	return api.New(api.Config{
		BaseURL: base,
		Token:   viper.GetString("token"),
		Logger:  logger,
	}), nil
}

func newEngine(st *store.Store, logger *log.Logger) (*engine.Engine, error) {
	client, err := newClient(logger)
	if err != nil {
		return nil, err
	}
	return engine.New(st, client, engine.Config{Logger: logger}), nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
