package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/reflection"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"membership/internal/member"
)

const (
	serviceName    = "membership.v1.Transport"
	deliverMethod  = "/" + serviceName + "/Deliver"
	defaultTimeout = 5 * time.Second
)

type deliverServer interface {
	Deliver(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*deliverServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "membership/v1/transport.proto",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(deliverServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(deliverServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCConfig configures a GRPC transport.
type GRPCConfig struct {
	Logger      *zap.Logger
	SendTimeout time.Duration
	// DialOptions are appended to the insecure transport credentials.
	DialOptions []grpc.DialOption
	// OnDrop is called for every message that could not be delivered.
	OnDrop func(Kind)
	// OnSend is called for every message handed to the network.
	OnSend func(Kind)
}

// GRPC carries frames over a unary gRPC call, one call per message.
type GRPC struct {
	cfg     GRPCConfig
	logger  *zap.Logger
	server  *grpc.Server
	handler Handler
	pool    *clientPool

	sendMu sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewGRPC creates a transport that delivers incoming frames to handler.
func NewGRPC(cfg GRPCConfig, handler Handler) *GRPC {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &GRPC{
		cfg:     cfg,
		logger:  cfg.Logger.Named("transport"),
		handler: handler,
		pool:    newClientPool(cfg.DialOptions),
		ctx:     ctx,
		cancel:  cancel,
	}
	t.server = grpc.NewServer()
	t.server.RegisterService(&serviceDesc, t)
	reflection.Register(t.server)
	return t
}

// Serve accepts connections on lis until Close is called.
func (t *GRPC) Serve(lis net.Listener) error {
	t.logger.Info("serving", zap.String("addr", lis.Addr().String()))
	if err := t.server.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Deliver implements the gRPC service.
func (t *GRPC) Deliver(_ context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	msg, err := Decode(in.GetValue())
	if err != nil {
		t.logger.Warn("dropping undecodable frame", zap.Error(err))
		return &emptypb.Empty{}, nil
	}
	t.handler(msg)
	return &emptypb.Empty{}, nil
}

// Send encodes msg and delivers it asynchronously.
func (t *GRPC) Send(to member.Address, msg Message) {
	data, err := Encode(msg)
	if err != nil {
		t.logger.Error("encode failed", zap.String("kind", string(msg.Kind())), zap.Error(err))
		t.drop(msg.Kind())
		return
	}

	t.sendMu.RLock()
	defer t.sendMu.RUnlock()
	if t.closed {
		t.drop(msg.Kind())
		return
	}
	if t.cfg.OnSend != nil {
		t.cfg.OnSend(msg.Kind())
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.send(to, data); err != nil {
			t.logger.Debug("send failed",
				zap.Stringer("to", to),
				zap.String("kind", string(msg.Kind())),
				zap.Error(err))
			t.drop(msg.Kind())
		}
	}()
}

func (t *GRPC) send(to member.Address, data []byte) error {
	conn, err := t.pool.get(to)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.SendTimeout)
	defer cancel()
	return conn.Invoke(ctx, deliverMethod, wrapperspb.Bytes(data), new(emptypb.Empty))
}

func (t *GRPC) drop(kind Kind) {
	if t.cfg.OnDrop != nil {
		t.cfg.OnDrop(kind)
	}
}

// Close stops the server, waits for in-flight sends and closes connections.
func (t *GRPC) Close() error {
	t.sendMu.Lock()
	if t.closed {
		t.sendMu.Unlock()
		return nil
	}
	t.closed = true
	t.sendMu.Unlock()

	t.cancel()
	t.server.GracefulStop()
	t.wg.Wait()
	return t.pool.close()
}

// clientPool keeps one connection per peer.
type clientPool struct {
	mu    sync.RWMutex
	conns map[member.Address]*grpc.ClientConn
	opts  []grpc.DialOption
}

func newClientPool(extra []grpc.DialOption) *clientPool {
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, extra...)
	return &clientPool{conns: make(map[member.Address]*grpc.ClientConn), opts: opts}
}

func (p *clientPool) get(addr member.Address) (*grpc.ClientConn, error) {
	p.mu.RLock()
	conn, ok := p.conns[addr]
	p.mu.RUnlock()
	if ok {
		return conn, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if conn, ok := p.conns[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient("passthrough:///"+addr.String(), p.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	p.conns[addr] = conn
	return conn, nil
}

func (p *clientPool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for addr, conn := range p.conns {
		if err := conn.Close(); err != nil && first == nil {
			first = err
		}
		delete(p.conns, addr)
	}
	return first
}
