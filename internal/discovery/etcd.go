package discovery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"membership/internal/member"
)

// ErrClosed is returned by a Registry that has been closed.
var ErrClosed = errors.New("discovery closed")

// Config configures a Registry.
type Config struct {
	Endpoints   []string
	Prefix      string
	LeaseTTL    time.Duration
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// Registry publishes this node under a leased key and lists the others.
type Registry struct {
	cli    *clientv3.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger

	lease  clientv3.LeaseID
	cancel context.CancelFunc
}

// NewClient connects to etcd.
func NewClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

// New connects to etcd with cfg.
func New(cfg Config) (*Registry, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("discovery: no etcd endpoints")
	}
	cli, err := NewClient(cfg.Endpoints, cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cli:    cli,
		prefix: cfg.Prefix,
		ttl:    cfg.LeaseTTL,
		logger: logger.Named("discovery"),
	}, nil
}

// Key returns the etcd key for addr.
func Key(prefix string, addr member.Address) string {
	return prefix + addr.String()
}

// Register puts self under the prefix with a lease that is kept alive until
// Close. The key disappears one lease TTL after the process dies.
func (r *Registry) Register(ctx context.Context, self member.Address) error {
	if r.cancel != nil {
		return errors.New("discovery: already registered")
	}
	ttl := int64(r.ttl / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	lease, err := r.cli.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	if _, err := r.cli.Put(ctx, Key(r.prefix, self), self.String(), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to register %s: %w", self, err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to keep lease alive: %w", err)
	}
	r.lease, r.cancel = lease.ID, cancel
	go func() {
		for range ch {
		}
		if kaCtx.Err() == nil {
			r.logger.Warn("Lease keep-alive stopped", zap.Int64("lease", int64(lease.ID)))
		}
	}()
	r.logger.Info("Registered", zap.String("key", Key(r.prefix, self)), zap.Int64("ttl_seconds", ttl))
	return nil
}

// Seeds lists the registered addresses, oldest registration first. The oldest
// node is the one that bootstraps the cluster.
func (r *Registry) Seeds(ctx context.Context) ([]member.Address, error) {
	resp, err := r.cli.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", r.prefix, err)
	}
	return seedsFrom(r.prefix, resp.Kvs, r.logger), nil
}

func seedsFrom(prefix string, kvs []*mvccpb.KeyValue, logger *zap.Logger) []member.Address {
	kvs = slices.Clone(kvs)
	slices.SortStableFunc(kvs, func(a, b *mvccpb.KeyValue) int {
		if a.CreateRevision != b.CreateRevision {
			if a.CreateRevision < b.CreateRevision {
				return -1
			}
			return 1
		}
		return strings.Compare(string(a.Key), string(b.Key))
	})
	seeds := make([]member.Address, 0, len(kvs))
	for _, kv := range kvs {
		addr, err := member.ParseAddress(strings.TrimPrefix(string(kv.Key), prefix))
		if err != nil {
			logger.Warn("Skipping malformed registration", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		seeds = append(seeds, addr)
	}
	return seeds
}

// Close revokes the lease and disconnects.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	if r.cancel != nil {
		r.cancel()
		if _, err := r.cli.Revoke(ctx, r.lease); err != nil {
			errs = append(errs, fmt.Errorf("failed to revoke lease: %w", err))
		}
	}
	if err := r.cli.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
