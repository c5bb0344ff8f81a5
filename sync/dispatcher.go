package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/eth2030/statesync/log"
)

// Dispatcher delivers a request to some peer and returns its response.
// Peer selection, timeouts and transport retries are its business.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (Response, error)
}

// SnapPeer is a remote node able to serve state ranges.
type SnapPeer interface {
	ID() string
	RequestAccountRange(ctx context.Context, req *AccountRangeRequest) (*AccountRangeResponse, error)
	RequestStorageRanges(ctx context.Context, req *StorageRangeRequest) (*StorageRangeResponse, error)
	RequestBytecodes(ctx context.Context, req *BytecodeRequest) (*BytecodeResponse, error)
	RequestRefresh(ctx context.Context, req *RefreshRequest) (*RefreshResponse, error)
}

// PeerSetConfig configures the per-peer circuit breakers of a PeerSet.
type PeerSetConfig struct {
	// MaxFailures is the number of consecutive failures that opens a
	// peer's breaker.
	MaxFailures uint32

	// OpenTimeout is how long an open breaker rejects requests before a
	// single probe is let through.
	OpenTimeout time.Duration

	// RequestTimeout bounds each peer round trip. Zero disables.
	RequestTimeout time.Duration
}

// DefaultPeerSetConfig returns a PeerSetConfig with sensible defaults.
func DefaultPeerSetConfig() PeerSetConfig {
	return PeerSetConfig{
		MaxFailures:    5,
		OpenTimeout:    30 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

type breakerPeer struct {
	peer SnapPeer
	cb   *gobreaker.CircuitBreaker
}

// PeerSet is a Dispatcher that rotates requests over registered peers.
// Each peer sits behind a circuit breaker, so a peer that keeps failing is
// skipped until its breaker half-opens again.
type PeerSet struct {
	cfg PeerSetConfig
	log log.Logger

	mu    sync.RWMutex
	peers []*breakerPeer
	next  atomic.Uint64
}

// NewPeerSet creates an empty peer set.
func NewPeerSet(cfg PeerSetConfig) *PeerSet {
	return &PeerSet{cfg: cfg, log: log.Module("peers")}
}

// Register adds a peer. Registering an ID twice replaces the old peer.
func (ps *PeerSet) Register(peer SnapPeer) {
	id := peer.ID()
	maxFailures := ps.cfg.MaxFailures
	bp := &breakerPeer{
		peer: peer,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        id,
			MaxRequests: 1,
			Timeout:     ps.cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return maxFailures > 0 && counts.ConsecutiveFailures >= maxFailures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				ps.log.Debug("Peer breaker state changed", "peer", name, "from", from, "to", to)
				if to == gobreaker.StateOpen {
					peerBreakerOpen.WithLabelValues(name).Set(1)
				} else {
					peerBreakerOpen.WithLabelValues(name).Set(0)
				}
			},
		}),
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for i, existing := range ps.peers {
		if existing.peer.ID() == id {
			ps.peers[i] = bp
			return
		}
	}
	ps.peers = append(ps.peers, bp)
	ps.log.Debug("Registered snap peer", "peer", id, "peers", len(ps.peers))
}

// Unregister removes the peer with the given ID.
func (ps *PeerSet) Unregister(id string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for i, bp := range ps.peers {
		if bp.peer.ID() == id {
			ps.peers = append(ps.peers[:i], ps.peers[i+1:]...)
			peerBreakerOpen.DeleteLabelValues(id)
			return
		}
	}
}

// Len returns the number of registered peers.
func (ps *PeerSet) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.peers)
}

// Dispatch sends req to the next peer whose breaker is not open.
func (ps *PeerSet) Dispatch(ctx context.Context, req Request) (Response, error) {
	ps.mu.RLock()
	peers := make([]*breakerPeer, len(ps.peers))
	copy(peers, ps.peers)
	ps.mu.RUnlock()

	if len(peers) == 0 {
		return nil, ErrNoPeers
	}
	start := ps.next.Add(1)
	for i := range peers {
		bp := peers[(start+uint64(i))%uint64(len(peers))]
		if bp.cb.State() == gobreaker.StateOpen {
			continue
		}
		resp, err := bp.call(ctx, req, ps.cfg.RequestTimeout)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("peer %s: %w", bp.peer.ID(), err)
		}
		return resp, nil
	}
	return nil, ErrNoPeers
}

func (bp *breakerPeer) call(ctx context.Context, req Request, timeout time.Duration) (Response, error) {
	out, err := bp.cb.Execute(func() (interface{}, error) {
		rctx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			rctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return request(rctx, bp.peer, req)
	})
	if err != nil {
		return nil, err
	}
	return out.(Response), nil
}

// request performs the peer call matching the request variant. It never
// returns a typed nil response.
func request(ctx context.Context, peer SnapPeer, req Request) (Response, error) {
	switch r := req.(type) {
	case *AccountRangeRequest:
		resp, err := peer.RequestAccountRange(ctx, r)
		if err != nil || resp == nil {
			return nil, nilResponse(err)
		}
		return resp, nil
	case *StorageRangeRequest:
		resp, err := peer.RequestStorageRanges(ctx, r)
		if err != nil || resp == nil {
			return nil, nilResponse(err)
		}
		return resp, nil
	case *BytecodeRequest:
		resp, err := peer.RequestBytecodes(ctx, r)
		if err != nil || resp == nil {
			return nil, nilResponse(err)
		}
		return resp, nil
	case *RefreshRequest:
		resp, err := peer.RequestRefresh(ctx, r)
		if err != nil || resp == nil {
			return nil, nilResponse(err)
		}
		return resp, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownRequest, req)
	}
}

var errEmptyAnswer = errors.New("peer returned no response")

func nilResponse(err error) error {
	if err != nil {
		return err
	}
	return errEmptyAnswer
}
