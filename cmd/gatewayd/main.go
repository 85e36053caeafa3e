package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	gatewaycore "discord-gateway-core"
	"discord-gateway-core/internal/config"
	"discord-gateway-core/internal/events"
	"discord-gateway-core/internal/gateway"
	"discord-gateway-core/internal/logging"
	"discord-gateway-core/internal/metrics"
)

const (
	bucketSweepInterval = time.Minute
	bucketIdle          = 10 * time.Minute
	gcPercent           = 400
)

var cfgFile string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gatewayd",
		Short: "Sharded gateway client with a synchronised entity cache",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file (YAML or JSON)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("metrics-addr", defaults.GetString("metrics.address"), "Address serving /metrics and /healthz; empty disables it")
	cmd.PersistentFlags().Int("shards", defaults.GetInt("shards.count"), "Total shard count, 0 for the recommended count")
	cmd.PersistentFlags().IntSlice("shard-ids", nil, "Shards run by this process, default all")

	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "metrics.address", "metrics-addr")
	bindFlag(cmd, "shards.count", "shards")
	bindFlag(cmd, "shards.ids", "shard-ids")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func run(ctx context.Context) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	// Trade memory for fewer collections; dispatch bursts allocate heavily.
	debug.SetGCPercent(gcPercent)
	logger.Info("runtime configured",
		zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)),
		zap.Int("gc_percent", gcPercent))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("discord")
	if err := m.Register(reg); err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := gatewaycore.New(signalCtx, cfg, gatewaycore.WithLogger(logger), gatewaycore.WithMetrics(m))
	if err != nil {
		return err
	}
	defer client.Close() //nolint:errcheck

	var httpServer *http.Server
	if cfg.MetricsAddress != "" {
		httpServer = &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           newHandler(reg, client),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		logger.Info("metrics listening", zap.String("address", cfg.MetricsAddress))
	}

	lifecycle := client.Lifecycle().Subscribe(64)
	go logLifecycle(lifecycle, logger)

	if err := client.Start(signalCtx); err != nil {
		return err
	}
	go sweepBuckets(signalCtx, client, logger)

	readyCtx, cancel := context.WithTimeout(signalCtx, 10*time.Minute)
	if err := client.WaitReady(readyCtx); err == nil {
		logger.Info("all shards connected", zap.Int("shards", client.Shards().ShardCount()))
	}
	cancel()

	<-signalCtx.Done()
	logger.Info("shutting down")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}
	return nil
}

type shardHealth struct {
	ID        int    `json:"id"`
	State     string `json:"state"`
	Down      bool   `json:"down"`
	Restarts  int    `json:"restarts"`
	LatencyMS int64  `json:"latency_ms"`
	LastError string `json:"last_error,omitempty"`
}

func newHandler(reg *prometheus.Registry, client *gatewaycore.Client) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		var out []shardHealth
		for _, st := range client.Shards().Status() {
			h := shardHealth{
				ID:        st.ID,
				State:     st.State.String(),
				Down:      st.Down,
				Restarts:  st.Restarts,
				LatencyMS: st.Latency.Milliseconds(),
			}
			if st.LastError != nil {
				h.LastError = st.LastError.Error()
			}
			out = append(out, h)
		}
		w.Header().Set("Content-Type", "application/json")
		if !client.Shards().AllConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"shards": out,
			"cache":  client.State().Stats(),
		})
	})
	return mux
}

func sweepBuckets(ctx context.Context, client *gatewaycore.Client, logger *zap.Logger) {
	ticker := time.NewTicker(bucketSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := client.Buckets().Sweep(bucketIdle); n > 0 {
				logger.Debug("idle rate limit buckets swept", zap.Int("removed", n))
			}
		}
	}
}

// logLifecycle drains sub until the client closes the bus.
func logLifecycle(sub *events.Subscription[gateway.LifecycleEvent], logger *zap.Logger) {
	for ev := range sub.C {
		fields := []zap.Field{zap.Int("shard", ev.Shard), zap.Stringer("state", ev.State)}
		if ev.Err != nil {
			fields = append(fields, zap.Error(ev.Err))
		}
		switch ev.Kind {
		case gateway.Failed:
			logger.Error(ev.Kind.String(), fields...)
		default:
			logger.Info(ev.Kind.String(), fields...)
		}
	}
}
