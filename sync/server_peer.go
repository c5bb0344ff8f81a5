package sync

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/statesync/trie"
)

// ServerPeer is a SnapPeer answering from an in-process state server.
type ServerPeer struct {
	id     string
	server *trie.StateServer
}

// NewServerPeer creates a peer named id backed by server.
func NewServerPeer(id string, server *trie.StateServer) *ServerPeer {
	return &ServerPeer{id: id, server: server}
}

func (p *ServerPeer) ID() string { return p.id }

func (p *ServerPeer) RequestAccountRange(ctx context.Context, req *AccountRangeRequest) (*AccountRangeResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys, vals, proof, err := p.server.AccountRange(req.Root, req.Origin, req.Limit, req.Bytes)
	if err != nil {
		return nil, err
	}
	return &AccountRangeResponse{Keys: keys, Values: vals, Proof: proof}, nil
}

func (p *ServerPeer) RequestStorageRanges(ctx context.Context, req *StorageRangeRequest) (*StorageRangeResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(req.Tasks) == 0 {
		return &StorageRangeResponse{}, nil
	}
	accounts := make([]common.Hash, len(req.Tasks))
	for i, task := range req.Tasks {
		accounts[i] = task.Account
	}
	keys, vals, proof, err := p.server.StorageRanges(req.Root, accounts, req.Tasks[0].Origin, common.MaxHash, req.Bytes)
	if err != nil {
		return nil, err
	}
	return &StorageRangeResponse{Keys: keys, Values: vals, Proof: proof}, nil
}

func (p *ServerPeer) RequestBytecodes(ctx context.Context, req *BytecodeRequest) (*BytecodeResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &BytecodeResponse{Codes: p.server.Codes(req.Hashes, req.Bytes)}, nil
}

func (p *ServerPeer) RequestRefresh(ctx context.Context, req *RefreshRequest) (*RefreshResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys := make([]common.Hash, len(req.Tasks))
	for i, task := range req.Tasks {
		keys[i] = task.Account
	}
	proof, err := p.server.AccountProofs(req.Root, keys)
	if err != nil {
		return nil, err
	}
	return &RefreshResponse{Proof: proof}, nil
}
