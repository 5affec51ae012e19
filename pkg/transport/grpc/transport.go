// Package grpctransport implements consensus.Transport over gRPC, hand
// building the service description that protoc-gen-go-grpc would normally
// generate and carrying every RPC's argument/reply as a structpb.Struct
// envelope instead of a compiled message type.
package grpctransport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ancrist/confman/pkg/consensus"
)

const serviceName = "confman.consensus.Consensus"

// handler is implemented by consensus.Node; kept as an interface so tests
// can substitute a fake without a real Node.
type handler interface {
	HandleRequestVote(args *consensus.RequestVoteArgs) *consensus.RequestVoteReply
	HandleAppendEntries(args *consensus.AppendEntriesArgs) *consensus.AppendEntriesReply
	HandleInstallSnapshot(args *consensus.InstallSnapshotArgs) *consensus.InstallSnapshotReply
	HandleReadIndex(ctx context.Context, args *consensus.ReadIndexArgs) *consensus.ReadIndexReply
}

// Transport implements consensus.Transport over gRPC: it both serves
// incoming RPCs (once Start is called with a handler attached) and dials
// outgoing ones to peers, lazily caching one connection per peer.
type Transport struct {
	mu        sync.RWMutex
	localAddr string
	peerAddrs map[string]string
	node      handler
	server    *grpc.Server
	listener  net.Listener
	conns     map[string]*grpc.ClientConn
	clients   map[string]*client
	timeout   time.Duration
}

// New constructs a Transport that will listen on localAddr and dial peers
// at the given id->address map.
func New(localAddr string, peerAddrs map[string]string) *Transport {
	return &Transport{
		localAddr: localAddr,
		peerAddrs: peerAddrs,
		conns:     make(map[string]*grpc.ClientConn),
		clients:   make(map[string]*client),
		timeout:   2 * time.Second,
	}
}

// SetNode attaches the consensus.Node (or test fake) whose Handle* methods
// serve incoming RPCs.
func (t *Transport) SetNode(n handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.node = n
}

// Start begins serving incoming RPCs on localAddr.
func (t *Transport) Start() error {
	lis, err := net.Listen("tcp", t.localAddr)
	if err != nil {
		return fmt.Errorf("grpctransport: listen on %s: %w", t.localAddr, err)
	}
	t.mu.Lock()
	t.listener = lis
	t.server = grpc.NewServer()
	t.server.RegisterService(&serviceDesc, t)
	t.mu.Unlock()

	go t.server.Serve(lis)
	return nil
}

// Stop closes every outgoing connection and gracefully stops the server.
func (t *Transport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.conns {
		c.Close()
	}
	if t.server != nil {
		t.server.GracefulStop()
	}
	if t.listener != nil {
		t.listener.Close()
	}
}

func (t *Transport) getClient(peer string) (*client, error) {
	t.mu.RLock()
	if c, ok := t.clients[peer]; ok {
		t.mu.RUnlock()
		return c, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[peer]; ok {
		return c, nil
	}
	addr, ok := t.peerAddrs[peer]
	if !ok {
		return nil, fmt.Errorf("grpctransport: unknown peer %q", peer)
	}
	dialCtx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	conn, err := grpc.DialContext(dialCtx, addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpctransport: dial %s: %w", addr, err)
	}
	t.conns[peer] = conn
	c := &client{cc: conn}
	t.clients[peer] = c
	return c, nil
}

// --- consensus.Transport (outgoing, client side) ---

func (t *Transport) RequestVote(peer string, args *consensus.RequestVoteArgs) (*consensus.RequestVoteReply, error) {
	c, err := t.getClient(peer)
	if err != nil {
		return nil, err
	}
	req, err := encodeRequestVoteArgs(args)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	resp, err := c.call(ctx, "RequestVote", req)
	if err != nil {
		return nil, err
	}
	return decodeRequestVoteReply(resp), nil
}

func (t *Transport) AppendEntries(peer string, args *consensus.AppendEntriesArgs) (*consensus.AppendEntriesReply, error) {
	c, err := t.getClient(peer)
	if err != nil {
		return nil, err
	}
	req, err := encodeAppendEntriesArgs(args)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	resp, err := c.call(ctx, "AppendEntries", req)
	if err != nil {
		return nil, err
	}
	return decodeAppendEntriesReply(resp), nil
}

func (t *Transport) InstallSnapshot(peer string, args *consensus.InstallSnapshotArgs) (*consensus.InstallSnapshotReply, error) {
	c, err := t.getClient(peer)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout*4)
	defer cancel()
	return c.installSnapshot(ctx, args)
}

func (t *Transport) ReadIndex(peer string, args *consensus.ReadIndexArgs) (*consensus.ReadIndexReply, error) {
	c, err := t.getClient(peer)
	if err != nil {
		return nil, err
	}
	req, err := encodeReadIndexArgs(args)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	resp, err := c.call(ctx, "ReadIndex", req)
	if err != nil {
		return nil, err
	}
	return decodeReadIndexReply(resp), nil
}

// --- gRPC service implementation (incoming, server side) ---

func (t *Transport) dispatch(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	t.mu.RLock()
	node := t.node
	t.mu.RUnlock()
	if node == nil {
		return nil, fmt.Errorf("grpctransport: no node attached")
	}
	switch method {
	case "RequestVote":
		reply := node.HandleRequestVote(decodeRequestVoteArgs(req))
		return encodeRequestVoteReply(reply)
	case "AppendEntries":
		args, err := decodeAppendEntriesArgs(req)
		if err != nil {
			return nil, err
		}
		return encodeAppendEntriesReply(node.HandleAppendEntries(args))
	case "ReadIndex":
		reply := node.HandleReadIndex(ctx, decodeReadIndexArgs(req))
		return encodeReadIndexReply(reply)
	default:
		return nil, fmt.Errorf("grpctransport: unknown method %q", method)
	}
}
