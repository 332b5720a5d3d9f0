package start

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/redkeeper/keeperstore/internal/di"
	"github.com/redkeeper/keeperstore/metrics"
	"github.com/redkeeper/keeperstore/replication"
	"github.com/redkeeper/keeperstore/utils"
	"github.com/redkeeper/keeperstore/utils/log"
)

const (
	usage                 = "start"
	short                 = "Start a keeperstore server"
	long                  = "This command opens the replication store, runs its garbage collection and serves metrics"
	example               = "keeperstore start --config <path>"
	defaultConfigFilePath = "./keeper.yml"
	configDesc            = "set the path for the keeperstore YAML configuration file"
)

var (
	// Cmd is the start command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"s"},
		SuggestFor: []string{"boot", "up"},
		Example:    example,
		RunE:       executeStart,
	}
	// configFilePath set flag for a path to the config file.
	configFilePath string
	startTime      time.Time
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	startTime = time.Now()
	Cmd.Flags().StringVarP(&configFilePath, "config", "c", defaultConfigFilePath, configDesc)
}

// executeStart implements the start command.
func executeStart(cmd *cobra.Command, _ []string) error {
	globalCtx, globalCancel := context.WithCancel(context.Background())
	defer globalCancel()

	// Attempt to read config file.
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return fmt.Errorf("failed to read configuration file error: %w", err)
	}

	// Don't output command usage if args(=only the filepath to keeper.yml at the moment) are correct
	cmd.SilenceUsage = true

	// Log config location.
	log.Info("using %v for configuration", configFilePath)

	// Attempt to set configuration.
	config, err := utils.ParseConfig(data)
	if err != nil {
		return fmt.Errorf("failed to parse configuration file error: %w", err)
	}
	config.StartTime = startTime
	log.SetLevel(config.LogLevel)

	c := di.NewContainer(config)
	defer func() {
		if err2 := c.Close(); err2 != nil {
			log.Error("failed to close the replication store: %v", err2)
		}
	}()

	log.Info("initializing keeperstore...")
	start := time.Now()
	rs := c.GetReplicationStore()
	startupTime := time.Since(start)
	metrics.StartupTime.Set(startupTime.Seconds())
	log.Info("startup time: %s, keeper end offset %d", startupTime, rs.KeeperEndOffset())

	mux := http.NewServeMux()
	log.Info("launching prometheus metrics server...")
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/sync", replication.NewHTTPHandler(c.GetSyncer()))
	server := &http.Server{
		Addr:              config.ListenURL,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(globalCtx)
	eg.Go(func() error {
		return c.GetGCWorker().Run(ctx)
	})
	eg.Go(func() error {
		return metrics.StartDiskUsageMonitor(ctx, metrics.TotalDiskUsageBytes, c.GetAbsRootDir(),
			config.DiskUsageMonitorInterval)
	})
	eg.Go(func() error {
		log.Info("launching tcp listener on %s...", config.ListenURL)
		if err2 := server.ListenAndServe(); err2 != nil && err2 != http.ErrServerClosed {
			return fmt.Errorf("failed to start server - error: %w", err2)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		log.Info("waiting a grace period of %v to shutdown...", config.StopGracePeriod)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.StopGracePeriod)
		defer cancel()
		// replication streams end as soon as the store closes
		_ = rs.Close()
		return server.Shutdown(shutdownCtx)
	})

	// Spawn a goroutine and listen for a signal.
	const defaultSignalChanLen = 10
	signalChan := make(chan os.Signal, defaultSignalChanLen)
	go func() {
		for s := range signalChan {
			switch s {
			case syscall.SIGUSR1:
				log.Info("dumping stack traces due to SIGUSR1 request")
				if err2 := pprof.Lookup("goroutine").WriteTo(os.Stdout, 1); err2 != nil {
					log.Error("failed to write goroutine pprof: %v", err2)
				}
			case syscall.SIGINT, syscall.SIGTERM:
				log.Info("initiating graceful shutdown due to '%v' request", s)
				globalCancel()
			}
		}
	}()
	signal.Notify(signalChan, syscall.SIGUSR1, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalChan)

	err = eg.Wait()
	log.Info("exiting...")
	return err
}
