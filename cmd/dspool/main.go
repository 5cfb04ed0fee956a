package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/dataplane-io/dspool/pkg/config"
	"github.com/dataplane-io/dspool/pkg/directory"
	"github.com/dataplane-io/dspool/pkg/driver"
	"github.com/dataplane-io/dspool/pkg/lifecycle"
	"github.com/dataplane-io/dspool/pkg/logger"
	"github.com/dataplane-io/dspool/pkg/monitoring"
	"github.com/dataplane-io/dspool/pkg/pool"
	"github.com/dataplane-io/dspool/pkg/registry"

	// Import driver adapters to register them
	_ "github.com/dataplane-io/dspool/pkg/driver/mysql"
	_ "github.com/dataplane-io/dspool/pkg/driver/postgres"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load() // Ignore error if .env doesn't exist

	root := &cobra.Command{
		Use:   "dspool",
		Short: "dspool - configuration-driven SQL connection pool manager",
		Long: `dspool manages SQL connection pools from declarative configuration.
It creates pools from named property sets, publishes them as discoverable
services, reconfigures them in place on configuration changes, and exposes
pool statistics over a Prometheus endpoint.`,
	}

	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-encoding", "json", "log encoding (json or console)")

	viper.SetEnvPrefix("DSPOOL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlags(root.PersistentFlags())

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dspool v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "drivers",
		Short: "List registered database drivers",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Registered driver schemes:")
			for _, scheme := range driver.Default().Schemes() {
				fmt.Printf("  - %s\n", scheme)
			}
		},
	})

	var validateConfigFile string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Resolve a configuration file and print the effective pool properties",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(validateConfigFile)
		},
	}
	validateCmd.Flags().StringVarP(&validateConfigFile, "config", "c", "dspool.yaml", "configuration file")
	root.AddCommand(validateCmd)

	var configFile string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pool manager",
		Long: `Run the pool manager with the given configuration file. The file is
watched for changes; datasources are activated, reconfigured in place or
deactivated to match each new snapshot.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runManager(configFile, viper.GetString("metrics-addr"))
		},
	}
	runCmd.Flags().StringVarP(&configFile, "config", "c", "dspool.yaml", "configuration file")
	runCmd.Flags().String("metrics-addr", ":9090", "listen address of the Prometheus metrics endpoint")
	_ = viper.BindPFlag("metrics-addr", runCmd.Flags().Lookup("metrics-addr"))
	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func initLogger() error {
	return logger.Init(logger.Config{
		Level:    viper.GetString("log-level"),
		Encoding: viper.GetString("log-encoding"),
	})
}

// validateConfig resolves every datasource in the file through the
// property mapper and prints the effective typed configuration.
func validateConfig(path string) error {
	file, err := config.LoadFile(path)
	if err != nil {
		return err
	}

	type resolved struct {
		Name       string            `json:"name"`
		URL        string            `json:"url"`
		MaxActive  int               `json:"max_active"`
		MaxIdle    int               `json:"max_idle"`
		Initial    int               `json:"initial_size"`
		Monitoring bool              `json:"monitoring_enabled"`
		Extra      map[string]string `json:"extra,omitempty"`
	}

	out := make([]resolved, 0, len(file.DataSources))
	for _, ds := range file.DataSources {
		props, err := config.BuildPoolProperties(ds)
		if err != nil {
			return err
		}
		cfg, err := pool.ParseProperties(props)
		if err != nil {
			return err
		}
		out = append(out, resolved{
			Name:       cfg.Name,
			URL:        cfg.URL,
			MaxActive:  cfg.MaxActive,
			MaxIdle:    cfg.MaxIdle,
			Initial:    cfg.InitialSize,
			Monitoring: cfg.MetricsEnabled,
			Extra:      cfg.Extra,
		})
	}

	data, err := gojson.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runManager(configPath, metricsAddr string) error {
	if err := initLogger(); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	log := logger.Get()

	file, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	registrar := monitoring.NewRegistrar(promRegistry, log)
	services := registry.NewRegistry()
	dir := directory.NewMemory()
	manager := lifecycle.NewManager(driver.Default(), services, registrar, dir.Factory(), log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager.Apply(ctx, file)
	log.Info("pool manager started",
		zap.Int("datasources", manager.Active()),
		zap.String("metrics_addr", metricsAddr))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	// The watcher delivers snapshots on this goroutine, which keeps all
	// lifecycle calls serialized.
	watcher := config.NewWatcher(configPath, func(f *config.File) {
		manager.Apply(ctx, f)
	})
	if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("config watcher stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	manager.Shutdown()
	log.Info("pool manager stopped")
	return nil
}
