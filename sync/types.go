// types.go defines the request and response variants exchanged between the
// state sync engine and its peer dispatcher, and the engine's errors.
package sync

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// State sync errors. Only invariant violations and local storage failures
// are ever returned to callers.
var (
	ErrInvalidPartitions = errors.New("snap sync: partition count out of range")
	ErrUnknownPartition  = errors.New("snap sync: unknown partition limit")
	ErrUnknownRequest    = errors.New("snap sync: unknown request kind")
	ErrResponseMismatch  = errors.New("snap sync: response does not match request")
	ErrCounterUnderflow  = errors.New("snap sync: in-flight counter underflow")
	ErrNoPeers           = errors.New("snap sync: no peers available")
	ErrPersistProgress   = errors.New("snap sync: failed to persist progress")
)

// RequestKind enumerates the request variants.
type RequestKind uint8

const (
	KindAccountRange RequestKind = iota
	KindStorageRange
	KindBytecode
	KindRefresh

	numRequestKinds
)

// String returns the kind name used in logs and metric labels.
func (k RequestKind) String() string {
	switch k {
	case KindAccountRange:
		return "account"
	case KindStorageRange:
		return "storage"
	case KindBytecode:
		return "code"
	case KindRefresh:
		return "refresh"
	default:
		return "unknown"
	}
}

// Request is a unit of work handed to the dispatcher. Exactly one of the
// concrete request types below is ever in play.
type Request interface {
	RequestID() uint64
	Kind() RequestKind
	request()
}

// Response is a peer answer to a Request of the same kind.
type Response interface {
	Kind() RequestKind
	response()
}

// AccountRangeRequest asks for the accounts of one partition from Origin
// onwards. Limit is the partition's identity.
type AccountRangeRequest struct {
	ID     uint64
	Root   common.Hash
	Origin common.Hash
	Limit  common.Hash
	Bytes  uint64
}

// StorageTask is the storage of one account still to be fetched.
type StorageTask struct {
	Account common.Hash
	Root    common.Hash // storage root of the account
	Origin  common.Hash // first slot still missing
}

// StorageRangeRequest asks for the storage of several accounts. Only the
// first task may start at a non-zero origin; a sub-range request carries a
// single task.
type StorageRangeRequest struct {
	ID    uint64
	Root  common.Hash // state root the accounts are read from
	Tasks []StorageTask
	Bytes uint64
}

// BytecodeRequest asks for contract codes by hash.
type BytecodeRequest struct {
	ID     uint64
	Hashes []common.Hash
	Bytes  uint64
}

// RefreshTask is an account whose storage commitment must be re-read
// because a storage range could not be proven against the expected root.
type RefreshTask struct {
	Account       common.Hash
	StorageOrigin common.Hash // pending storage cursor, zero if none
	StorageRoot   common.Hash // storage root the failing request expected
}

// RefreshRequest asks for Merkle proofs of accounts against the pivot root.
type RefreshRequest struct {
	ID    uint64
	Root  common.Hash
	Tasks []RefreshTask
}

func (r *AccountRangeRequest) RequestID() uint64 { return r.ID }
func (r *StorageRangeRequest) RequestID() uint64 { return r.ID }
func (r *BytecodeRequest) RequestID() uint64     { return r.ID }
func (r *RefreshRequest) RequestID() uint64      { return r.ID }

func (*AccountRangeRequest) Kind() RequestKind { return KindAccountRange }
func (*StorageRangeRequest) Kind() RequestKind { return KindStorageRange }
func (*BytecodeRequest) Kind() RequestKind     { return KindBytecode }
func (*RefreshRequest) Kind() RequestKind      { return KindRefresh }

func (*AccountRangeRequest) request() {}
func (*StorageRangeRequest) request() {}
func (*BytecodeRequest) request()     {}
func (*RefreshRequest) request()      {}

// AccountRangeResponse carries full-RLP accounts plus the boundary proof.
type AccountRangeResponse struct {
	Keys   []common.Hash
	Values [][]byte
	Proof  [][]byte
}

// StorageRangeResponse carries the slots of each served account in request
// order. Only the last served account may be partial, in which case Proof
// covers it.
type StorageRangeResponse struct {
	Keys   [][]common.Hash
	Values [][][]byte
	Proof  [][]byte
}

// BytecodeResponse carries codes in any order.
type BytecodeResponse struct {
	Codes [][]byte
}

// RefreshResponse carries one merged proof for all requested accounts.
type RefreshResponse struct {
	Proof [][]byte
}

func (*AccountRangeResponse) Kind() RequestKind { return KindAccountRange }
func (*StorageRangeResponse) Kind() RequestKind { return KindStorageRange }
func (*BytecodeResponse) Kind() RequestKind     { return KindBytecode }
func (*RefreshResponse) Kind() RequestKind      { return KindRefresh }

func (*AccountRangeResponse) response() {}
func (*StorageRangeResponse) response() {}
func (*BytecodeResponse) response()     {}
func (*RefreshResponse) response()      {}

// Result classifies an ingested response.
type Result uint8

const (
	ResultOK Result = iota
	ResultExpiredRoot
	ResultDifferentRoot
	ResultMissingRootInProof
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultExpiredRoot:
		return "expired root"
	case ResultDifferentRoot:
		return "different root"
	case ResultMissingRootInProof:
		return "missing root in proof"
	default:
		return "unknown"
	}
}
