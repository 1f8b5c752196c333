// Package it runs whole clusters in one process over the gRPC transport.
package it

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"membership/internal/config"
	"membership/internal/member"
	"membership/internal/node"
	"membership/internal/telemetry"
	"membership/internal/transport"
)

// Cluster is a set of nodes, each with its own listener and transport.
type Cluster struct {
	t     *testing.T
	mu    sync.Mutex
	nodes []*Node
}

// Node is one running member of a Cluster.
type Node struct {
	*node.Node
	Addr      member.Address
	Metrics   *telemetry.Metrics
	transport *transport.GRPC
	stopped   bool
}

// NewCluster returns an empty cluster that is torn down with the test.
func NewCluster(t *testing.T) *Cluster {
	c := &Cluster{t: t}
	t.Cleanup(c.Stop)
	return c
}

// FastConfig shortens every interval so that a cluster settles in seconds.
func FastConfig() config.Config {
	c := config.Default()
	c.Node.Host = "127.0.0.1"
	c.Gossip.Interval = 100 * time.Millisecond
	c.Gossip.LeaderActionsInterval = 100 * time.Millisecond
	c.Gossip.UnreachableReaperInterval = 100 * time.Millisecond
	c.Gossip.RetryJoinAfter = 500 * time.Millisecond
	c.Gossip.AssertInvariants = true
	c.FailureDetector.HeartbeatInterval = 100 * time.Millisecond
	c.FailureDetector.ExpectedResponseAfter = 200 * time.Millisecond
	c.FailureDetector.AcceptableHeartbeatPause = 500 * time.Millisecond
	c.FailureDetector.FirstHeartbeatEstimate = 100 * time.Millisecond
	c.FailureDetector.MinStdDeviation = 50 * time.Millisecond
	c.MultiDC.HeartbeatInterval = 100 * time.Millisecond
	c.SplitBrainResolver.StableAfter = time.Second
	return c
}

// StartNode binds a loopback port, starts a node on it and joins seeds. With
// no seeds the node bootstraps a cluster of its own.
func (c *Cluster) StartNode(seeds []member.Address, mutate ...func(*config.Config)) (*Node, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	cfg := FastConfig()
	cfg.Node.Port = lis.Addr().(*net.TCPAddr).Port
	for _, m := range mutate {
		m(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		lis.Close()
		return nil, err
	}

	logger := zaptest.NewLogger(c.t, zaptest.Level(zap.WarnLevel)).With(zap.Int("port", cfg.Node.Port))
	metrics := telemetry.New()
	n := node.New(node.Options{Config: cfg, Metrics: metrics, Logger: logger})
	tr := transport.NewGRPC(transport.GRPCConfig{
		Logger:      logger,
		SendTimeout: time.Second,
		OnDrop:      func(k transport.Kind) { metrics.MessageDropped(string(k)) },
	}, n.Receive)
	go func() {
		if err := tr.Serve(lis); err != nil {
			logger.Debug("transport stopped", zap.Error(err))
		}
	}()
	if err := n.Start(tr); err != nil {
		tr.Close()
		return nil, err
	}

	if len(seeds) == 0 {
		seeds = []member.Address{cfg.SelfAddress()}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.JoinSeedNodes(ctx, seeds); err != nil {
		n.Stop()
		tr.Close()
		return nil, fmt.Errorf("failed to join: %w", err)
	}

	h := &Node{Node: n, Addr: cfg.SelfAddress(), Metrics: metrics, transport: tr}
	c.mu.Lock()
	c.nodes = append(c.nodes, h)
	c.mu.Unlock()
	return h, nil
}

// StartCluster starts size nodes, all joining through the first one.
func (c *Cluster) StartCluster(size int, mutate ...func(*config.Config)) ([]*Node, error) {
	first, err := c.StartNode(nil, mutate...)
	if err != nil {
		return nil, err
	}
	nodes := []*Node{first}
	for i := 1; i < size; i++ {
		n, err := c.StartNode([]member.Address{first.Addr}, mutate...)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// Kill stops a node and its transport without leaving, like a crash.
func (c *Cluster) Kill(n *Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kill(n)
}

func (c *Cluster) kill(n *Node) {
	if n.stopped {
		return
	}
	n.stopped = true
	n.Stop()
	if err := n.transport.Close(); err != nil {
		c.t.Logf("closing transport of %s: %v", n.Addr, err)
	}
}

// Stop kills every node.
func (c *Cluster) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.nodes {
		c.kill(n)
	}
}

// Statuses returns the member statuses as seen by n.
func Statuses(n *Node) map[member.Address]member.Status {
	out := make(map[member.Address]member.Status)
	for _, m := range n.State().Members {
		out[m.Address()] = m.Status
	}
	return out
}

// AllUp reports whether n sees exactly addrs, all Up, with no unreachable
// member.
func AllUp(n *Node, addrs ...member.Address) bool {
	state := n.State()
	if len(state.Members) != len(addrs) || len(state.Unreachable) > 0 {
		return false
	}
	statuses := Statuses(n)
	for _, a := range addrs {
		if statuses[a] != member.Up {
			return false
		}
	}
	return true
}

// Leader returns the leader of n's data center as seen by n.
func Leader(n *Node) (member.Address, bool) {
	state := n.State()
	return state.Leader.Address, state.HasLeader()
}

// Addrs returns the addresses of nodes.
func Addrs(nodes ...*Node) []member.Address {
	out := make([]member.Address, len(nodes))
	for i, n := range nodes {
		out[i] = n.Addr
	}
	return out
}
