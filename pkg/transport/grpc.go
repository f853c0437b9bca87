package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/types"
	"github.com/loomworks/loom/pkg/wire"
)

// The peer service is declared by hand rather than generated: it has a single
// bidirectional stream of envelopes, and the envelope codec does the
// marshalling. One stream per (src, dst) pair is the ordering domain the
// transport contract requires.
const channelMethod = "/loom.wire.Peer/Channel"

var channelStreamDesc = grpc.StreamDesc{
	StreamName:    "Channel",
	ServerStreams: true,
	ClientStreams: true,
}

type peerService interface {
	channel(stream grpc.ServerStream) error
}

func channelHandler(srv any, stream grpc.ServerStream) error {
	return srv.(peerService).channel(stream)
}

var peerServiceDesc = grpc.ServiceDesc{
	ServiceName: "loom.wire.Peer",
	HandlerType: (*peerService)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Channel",
		Handler:       channelHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "loom/wire",
}

// GRPC is the cross-process transport: a gRPC server accepting inbound peer
// streams plus one lazily-dialed outbound stream per peer.
type GRPC struct {
	node  types.NodeID
	addrs map[types.NodeID]string

	server *grpc.Server
	lis    net.Listener

	mu      sync.Mutex
	handler Handler
	peers   map[types.NodeID]*grpcPeer
	closed  bool
}

type grpcPeer struct {
	mu     sync.Mutex // serializes SendMsg; per-pair FIFO
	conn   *grpc.ClientConn
	stream grpc.ClientStream
}

// NewGRPC creates a transport listening on listenAddr, with a static peer
// address table. Outbound connections are dialed on first send.
func NewGRPC(node types.NodeID, listenAddr string, peers map[types.NodeID]string) (*GRPC, error) {
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
	}

	t := &GRPC{
		node:   node,
		addrs:  make(map[types.NodeID]string, len(peers)),
		lis:    lis,
		peers:  make(map[types.NodeID]*grpcPeer),
		server: grpc.NewServer(grpc.ForceServerCodec(Codec{})),
	}
	for id, addr := range peers {
		t.addrs[id] = addr
	}
	t.server.RegisterService(&peerServiceDesc, t)
	return t, nil
}

// Start begins serving inbound peer streams.
func (t *GRPC) Start() {
	go func() {
		if err := t.server.Serve(t.lis); err != nil {
			log.WithComponent("transport").Error().Err(err).Msg("peer server stopped")
		}
	}()
}

// Addr returns the bound listen address.
func (t *GRPC) Addr() string { return t.lis.Addr().String() }

// LocalNode returns the local node id.
func (t *GRPC) LocalNode() types.NodeID { return t.node }

// SetHandler installs the delivery handler. Must be called before Start.
func (t *GRPC) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// channel serves one inbound peer stream, delivering envelopes in order.
func (t *GRPC) channel(stream grpc.ServerStream) error {
	for {
		env := &wire.Envelope{}
		if err := stream.RecvMsg(env); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h == nil {
			return fmt.Errorf("node %d received envelope before a handler was set", t.node)
		}
		h(env)
	}
}

// Send writes one envelope to dst's stream. SendMsg copies the marshalled
// bytes before returning, so both payload modes behave identically here.
func (t *GRPC) Send(dst types.NodeID, env *wire.Envelope, mode PayloadMode) error {
	env.From = t.node

	p, err := t.peer(dst)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.stream.SendMsg(env); err != nil {
		return fmt.Errorf("send to node %d failed: %w", dst, err)
	}
	return nil
}

// Broadcast sends the envelope to each destination.
func (t *GRPC) Broadcast(dsts []types.NodeID, env *wire.Envelope, mode PayloadMode) error {
	for _, dst := range dsts {
		if err := t.Send(dst, env, mode); err != nil {
			return err
		}
	}
	return nil
}

// Close tears down outbound streams and stops the server.
func (t *GRPC) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peers := make([]*grpcPeer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	for _, p := range peers {
		p.mu.Lock()
		_ = p.stream.CloseSend()
		_ = p.conn.Close()
		p.mu.Unlock()
	}
	t.server.GracefulStop()
	return nil
}

func (t *GRPC) peer(dst types.NodeID) (*grpcPeer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}
	if p, ok := t.peers[dst]; ok {
		return p, nil
	}

	addr, ok := t.addrs[dst]
	if !ok {
		return nil, fmt.Errorf("no address known for node %d", dst)
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to node %d at %s: %w", dst, addr, err)
	}

	stream, err := conn.NewStream(context.Background(), &channelStreamDesc, channelMethod)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open stream to node %d: %w", dst, err)
	}

	p := &grpcPeer{conn: conn, stream: stream}
	t.peers[dst] = p
	return p, nil
}
