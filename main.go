// Command edge-trace-client replays recorded task traces against an
// edge application backend, as directed by an experiment control server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/netsys-lab/edge-trace-client/config"
	"github.com/netsys-lab/edge-trace-client/control"
	"github.com/netsys-lab/edge-trace-client/ntpsync"
	"github.com/netsys-lab/edge-trace-client/socket"
	"github.com/netsys-lab/edge-trace-client/status"
	"github.com/netsys-lab/edge-trace-client/stepstore"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	configFile string
	envFile    string
	version    = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   "edge-trace-client",
	Short: "Edge trace client - replays task traces against an edge backend",
	Long: `Connects to an experiment control server, fetches the task steps,
streams them frame by frame to the application backend and reports
per-frame timings back to the control server.`,
	RunE:          runClient,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the client (default)",
	RunE:  runClient,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("edge-trace-client v%s\n", version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (yaml|json|toml)")
	flags.StringVar(&envFile, "env-file", ".env", "Environment file loaded before reading EDGE_* variables")
	flags.String("control-host", "", "Control server host")
	flags.Int("control-port", 0, "Control server port")
	flags.String("store-dir", "", "Directory for step traces")
	flags.String("transport", "", "Data channel transport (TCP|QUIC)")
	flags.String("status-addr", "", "Serve status JSON on this address, e.g. :8080")
	flags.String("log-level", "", "Set log level (trace|debug|info|warn|error)")
	flags.String("log-file", "", "Write logs to file instead of stderr")

	for key, flag := range map[string]string{
		"control.host": "control-host",
		"control.port": "control-port",
		"store.dir":    "store-dir",
		"transport":    "transport",
		"status.addr":  "status-addr",
		"log.level":    "log-level",
		"log.file":     "log-file",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			fmt.Fprintf(os.Stderr, "Error binding %s flag: %v\n", flag, err)
			os.Exit(1)
		}
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.ClientConfig, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	return config.Load(viper.GetViper(), configFile)
}

func configureLogging(cfg config.LogConfig) (func(), error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if cfg.File == "" {
		return func() {}, nil
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("could not open log file: %w", err)
	}
	log.SetOutput(f)
	return func() { f.Close() }, nil
}

func runClient(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closeLog, err := configureLogging(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	store, err := stepstore.NewOnDisk(cfg.Store.Dir)
	if err != nil {
		return err
	}
	dial := socket.DialOptions{ConnectTimeout: cfg.Connect.Timeout, RetryBackoff: cfg.Connect.Backoff}
	dataSocket, err := socket.NewDataSocket(cfg.Transport, dial)
	if err != nil {
		return err
	}

	client := control.NewClient(control.Options{
		ControlAddr: cfg.ControlAddr(),
		Store:       store,
		DataSocket:  dataSocket,
		Prober:      ntpsync.NewNTPProber(cfg.NTP.Timeout),
		NTPPolls:    cfg.NTP.Polls,
		Dial:        dial,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Status.Addr != "" {
		srv := status.NewServer(cfg.Status.Addr, client)
		go func() {
			if err := srv.Serve(ctx); err != nil {
				log.Errorf("[Status] %v", err)
			}
		}()
	}

	log.Infof("Starting edge-trace-client v%s", version)
	summary := client.Run(ctx)
	if !summary.Success {
		return fmt.Errorf("%s (runs: %d, successful: %d)", summary.Message, summary.TotalRuns, summary.SuccessfulRuns)
	}
	log.Infof("%s Runs: %d, successful: %d", summary.Message, summary.TotalRuns, summary.SuccessfulRuns)
	return nil
}
