// Command memberd runs one member of a cluster.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"membership/internal/config"
	"membership/internal/discovery"
	"membership/internal/member"
	"membership/internal/node"
	"membership/internal/telemetry"
	"membership/internal/transport"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	leaveTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "memberd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a TOML config file")
	host := flag.String("host", "", "host to bind and advertise")
	port := flag.Int("port", 0, "port to bind and advertise")
	seeds := flag.String("seeds", "", `seed nodes, "host:port,host:port"`)
	roles := flag.String("roles", "", "comma-separated roles")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *host != "" {
		cfg.Node.Host = *host
	}
	if *port != 0 {
		cfg.Node.Port = *port
	}
	if *seeds != "" {
		cfg.Node.SeedNodes = strings.Split(*seeds, ",")
	}
	if *roles != "" {
		cfg.Node.Roles = strings.Split(*roles, ",")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	metrics := telemetry.New()
	metrics.SetBuildInfo(version)

	self := cfg.SelfAddress()
	lis, err := net.Listen("tcp", self.String())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", self, err)
	}

	n := node.New(node.Options{Config: cfg, Metrics: metrics, Logger: logger})
	tr := transport.NewGRPC(transport.GRPCConfig{
		Logger: logger,
		OnDrop: func(k transport.Kind) { metrics.MessageDropped(string(k)) },
	}, n.Receive)
	defer tr.Close()
	go func() {
		if err := tr.Serve(lis); err != nil {
			logger.Error("Transport stopped", zap.Error(err))
		}
	}()
	if err := n.Start(tr); err != nil {
		return err
	}
	defer n.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	seedNodes, registry, err := resolveSeeds(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if registry != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := registry.Close(closeCtx); err != nil {
				logger.Warn("Failed to deregister", zap.Error(err))
			}
		}()
	}
	if err := n.JoinSeedNodes(ctx, seedNodes); err != nil {
		return fmt.Errorf("failed to join: %w", err)
	}

	var srv *http.Server
	if cfg.Metrics.Listen != "" {
		srv = &http.Server{Addr: cfg.Metrics.Listen, Handler: newMux(n, metrics), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server stopped", zap.Error(err))
			}
		}()
		logger.Info("Serving HTTP", zap.String("addr", cfg.Metrics.Listen))
	}

	select {
	case <-ctx.Done():
		logger.Info("Signal received, leaving the cluster")
		leave(n, self, logger)
	case <-n.Terminated():
		logger.Warn("Removed from the cluster")
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown", zap.Error(err))
		}
	}
	return nil
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// resolveSeeds returns the configured seeds or, when there are none and etcd
// is configured, registers self and uses the registered nodes.
func resolveSeeds(ctx context.Context, cfg config.Config, logger *zap.Logger) ([]member.Address, *discovery.Registry, error) {
	seeds, err := cfg.Seeds()
	if err != nil {
		return nil, nil, err
	}
	if len(seeds) > 0 || len(cfg.Discovery.EtcdEndpoints) == 0 {
		return seeds, nil, nil
	}

	registry, err := discovery.New(discovery.Config{
		Endpoints:   cfg.Discovery.EtcdEndpoints,
		Prefix:      cfg.Discovery.Prefix,
		LeaseTTL:    cfg.Discovery.LeaseTTL,
		DialTimeout: cfg.Discovery.DialTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := registry.Register(ctx, cfg.SelfAddress()); err != nil {
		registry.Close(ctx)
		return nil, nil, err
	}
	seeds, err = registry.Seeds(ctx)
	if err != nil {
		registry.Close(ctx)
		return nil, nil, err
	}
	logger.Info("Discovered seed nodes", zap.Stringers("seeds", seeds))
	return seeds, registry, nil
}

// leave asks the cluster to remove self and waits until it has.
func leave(n *node.Node, self member.Address, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := n.Leave(ctx, self); err != nil {
		logger.Warn("Leave failed", zap.Error(err))
		return
	}
	select {
	case <-n.Terminated():
		logger.Info("Left the cluster")
	case <-ctx.Done():
		logger.Warn("Timed out waiting to leave the cluster")
	}
}

func newMux(n *node.Node, metrics *telemetry.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/cluster/state", metrics.Instrument("state", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(n.State()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})))
	return mux
}
