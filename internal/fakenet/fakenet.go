// Package fakenet provides an in-process transport.RPC and nfscopy.Source
// for tests and the standalone cmd/ tools, grounded on deploytest's
// FakeTransport: every participant registers itself under an address, and
// a call against that address is routed straight to the registered peer
// instead of going over a wire.
package fakenet

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/lishenglong/rDSN/messages"
)

// Peer is the subset of replica.Coordinator a Network needs to deliver a
// call to: answering LEARN and LEARN_COMPLETION_NOTIFY. Any type with
// these two methods satisfies it without an explicit assertion.
type Peer interface {
	HandleLearn(req *messages.LearnRequest) *messages.LearnResponse
	HandleLearnCompletionNotification(resp *messages.GroupCheckResponse)
}

// Network is a registry of address -> Peer, shared by every RPC bound to
// it.
type Network struct {
	mu    sync.Mutex
	peers map[string]Peer
}

func NewNetwork() *Network {
	return &Network{peers: make(map[string]Peer)}
}

// Register installs peer under address, replacing whatever was there.
func (n *Network) Register(address string, peer Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[address] = peer
}

// Unregister removes whatever peer is registered under address.
func (n *Network) Unregister(address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, address)
}

func (n *Network) peer(address string) (Peer, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.peers[address]
	return p, ok
}

// RPC is a transport.RPC that resolves primaryAddr against a Network
// instead of dialing out.
type RPC struct {
	net *Network
}

func NewRPC(net *Network) *RPC {
	return &RPC{net: net}
}

func (r *RPC) Learn(ctx context.Context, primaryAddr string, req *messages.LearnRequest) (*messages.LearnResponse, error) {
	p, ok := r.net.peer(primaryAddr)
	if !ok {
		return nil, errors.Errorf("fakenet: no peer registered at %s", primaryAddr)
	}
	return p.HandleLearn(req), nil
}

func (r *RPC) NotifyLearnCompletion(ctx context.Context, primaryAddr string, resp *messages.GroupCheckResponse) error {
	p, ok := r.net.peer(primaryAddr)
	if !ok {
		return errors.Errorf("fakenet: no peer registered at %s", primaryAddr)
	}
	p.HandleLearnCompletionNotification(resp)
	return nil
}

// FileSource is an nfscopy.Source that reads straight out of a registered
// peer's data directory, standing in for the real NFS/RPC-backed file
// transfer nfscopy.LocalClient expects.
type FileSource struct {
	mu       sync.Mutex
	dataDirs map[string]string
}

func NewFileSource() *FileSource {
	return &FileSource{dataDirs: make(map[string]string)}
}

// RegisterDataDir records dir as address's data_dir(), the root that
// LearnState file paths are relative to.
func (s *FileSource) RegisterDataDir(address, dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataDirs[address] = dir
}

func (s *FileSource) Open(ctx context.Context, primaryAddr string, relativePath string) (io.ReadCloser, error) {
	s.mu.Lock()
	dir, ok := s.dataDirs[primaryAddr]
	s.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("fakenet: no data dir registered for %s", primaryAddr)
	}
	f, err := os.Open(filepath.Join(dir, relativePath))
	if err != nil {
		return nil, errors.WithMessagef(err, "could not open %s from %s", relativePath, primaryAddr)
	}
	return f, nil
}
