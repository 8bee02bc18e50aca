// Package main is the command line entry point for the usersupport proxy.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"usersupport/internal/config"
	"usersupport/internal/logging"
	"usersupport/internal/metrics"
	"usersupport/internal/proxy"
	"usersupport/internal/registry"
	"usersupport/internal/report"
	"usersupport/internal/repo"
	"usersupport/internal/store"
	"usersupport/internal/traffic"
	"usersupport/internal/user"
)

// Version is set at build time
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "usersupport",
		Short: "Forward proxy with per-user traffic accounting",
		Long: `usersupport is an HTTP/HTTPS forward proxy. Clients authenticate with
Proxy-Authorization: Basic, each connection is bound to its user, and
every byte moved is recorded as that user's upload or download traffic.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy",
		Long:  "Start the proxy with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := logging.New(cfg.Log.Level, cfg.Log.Format)
			return serve(ctx, cfg, logger, prometheus.DefaultRegisterer)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func statsCmd() *cobra.Command {
	var (
		configPath string
		pop        bool
		human      bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print per-user traffic counters",
		Long: `Print the upload and download counters of every configured user.
With --pop the counters are read and reset, as the periodic reporter does.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			s, err := store.Open(cfg.Store)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer s.Close()

			logger := logging.New(cfg.Log.Level, cfg.Log.Format)
			directory := newDirectory(cfg, logger, s)
			return printStats(cmd.Context(), cmd.OutOrStdout(), directory, statsOptions{pop: pop, human: human})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&pop, "pop", false, "Reset counters after reading them")
	cmd.Flags().BoolVarP(&human, "human", "H", false, "Print sizes in human readable units")

	return cmd
}

func newDirectory(cfg *config.Config, logger logrus.FieldLogger, s store.Store) *repo.InMemoryRepo {
	profiles := make([]repo.Profile, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		profiles = append(profiles, repo.Profile{
			Username:   u.Username,
			ID:         u.ID,
			Password:   u.Password,
			SpeedLimit: u.SpeedLimit,
		})
	}

	var opts []user.Option
	if cfg.Counters.Atomic {
		opts = append(opts, user.WithAtomicCounters())
	}
	return repo.NewMemoryRepo(profiles, logger, s, opts...)
}

// serve runs every component of the proxy until ctx is done.
func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger, reg prometheus.Registerer) error {
	s, err := store.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer s.Close()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}

	directory := newDirectory(cfg, logger, s)
	conns := registry.New[traffic.Conn]()
	m := metrics.New(reg, conns.Len)

	if cfg.Metrics.Enabled {
		stopMetrics := serveMetrics(cfg.Metrics.Address, reg, logger)
		defer stopMetrics()
	}

	// The reporter's last flush runs after the proxy has drained, so traffic
	// moved during shutdown is reported too.
	reportCtx, stopReport := context.WithCancel(context.WithoutCancel(ctx))
	defer stopReport()
	reportDone := make(chan struct{})
	if cfg.Report.Interval > 0 {
		r := report.New(directory, m, logger, cfg.Report.Interval)
		go func() {
			defer close(reportDone)
			r.Run(reportCtx)
		}()
	} else {
		close(reportDone)
	}

	srv := &proxy.Server{
		Repo:          directory,
		Registry:      conns,
		Logger:        logger,
		Metrics:       m,
		DialTimeout:   cfg.Proxy.DialTimeout,
		TunnelTimeout: cfg.Proxy.TunnelTimeout,
	}

	logger.WithFields(logrus.Fields{
		"address": ln.Addr().String(),
		"store":   cfg.Store.Driver,
		"users":   len(cfg.Users),
	}).Info("proxy starting")

	err = srv.Serve(ctx, ln)
	stopReport()
	<-reportDone
	logger.Info("proxy stopped")
	return err
}

// serveMetrics exposes reg on addr. The returned function shuts the
// listener down.
func serveMetrics(addr string, reg prometheus.Registerer, logger logrus.FieldLogger) func() {
	gatherer, ok := reg.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

type statsOptions struct {
	pop   bool
	human bool
}

func printStats(ctx context.Context, w io.Writer, directory *repo.InMemoryRepo, opts statsOptions) error {
	fmt.Fprintf(w, "%-10s %15s %15s\n", "USER", "UPLOAD", "DOWNLOAD")

	for _, u := range directory.Users() {
		up, down, err := readCounters(ctx, u, opts.pop)
		if err != nil {
			return fmt.Errorf("user %d: %w", u.ID(), err)
		}
		fmt.Fprintf(w, "%-10d %15s %15s\n", u.ID(), formatSize(up, opts.human), formatSize(down, opts.human))
	}
	return nil
}

func readCounters(ctx context.Context, u *user.User, pop bool) (up, down int64, err error) {
	if pop {
		if up, err = u.PopUploadStat(ctx); err != nil {
			return 0, 0, err
		}
		down, err = u.PopDownloadStat(ctx)
		return up, down, err
	}
	if up, err = u.UploadSize(ctx); err != nil {
		return 0, 0, err
	}
	down, err = u.DownloadSize(ctx)
	return up, down, err
}

func formatSize(n int64, human bool) string {
	if !human || n < 0 {
		return strconv.FormatInt(n, 10)
	}
	return humanize.IBytes(uint64(n))
}
