package trie

import (
	"encoding/binary"
	"sort"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

// testAccounts builds n accounts keyed by hashed index. Every third account
// carries slots storage words and every fifth carries code.
func testAccounts(n, slots int) map[common.Hash]Account {
	accounts := make(map[common.Hash]Account, n)
	for i := 0; i < n; i++ {
		var idx [8]byte
		binary.BigEndian.PutUint64(idx[:], uint64(i))
		acct := Account{Nonce: uint64(i), Balance: uint256.NewInt(uint64(1000 + i))}
		if i%3 == 0 && slots > 0 {
			acct.Storage = make(map[common.Hash]common.Hash, slots)
			for j := 0; j < slots; j++ {
				var slot [16]byte
				copy(slot[:8], idx[:])
				binary.BigEndian.PutUint64(slot[8:], uint64(j))
				var word common.Hash
				binary.BigEndian.PutUint64(word[24:], uint64(j+1))
				acct.Storage[crypto.Keccak256Hash(slot[:])] = word
			}
		}
		if i%5 == 0 {
			acct.Code = append([]byte{0x60, 0x00}, idx[:]...)
		}
		accounts[crypto.Keccak256Hash(idx[:])] = acct
	}
	return accounts
}

func sortedKeys(accounts map[common.Hash]Account) []common.Hash {
	keys := make([]common.Hash, 0, len(accounts))
	for k := range accounts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Cmp(keys[j]) < 0 })
	return keys
}

func newTestServer(t *testing.T, n, slots int) (*StateServer, common.Hash, map[common.Hash]Account) {
	t.Helper()
	accounts := testAccounts(n, slots)
	srv := NewStateServer()
	root, err := srv.AddState(accounts)
	require.NoError(t, err)
	return srv, root, accounts
}

func TestStateServer_EmptyState(t *testing.T) {
	srv := NewStateServer()
	root, err := srv.AddState(nil)
	require.NoError(t, err)
	require.Equal(t, types.EmptyRootHash, root)
	require.True(t, srv.HasState(root))
}

func TestStateServer_AccountRangeWhole(t *testing.T) {
	srv, root, accounts := newTestServer(t, 100, 0)

	keys, vals, proof, err := srv.AccountRange(root, common.Hash{}, common.MaxHash, 0)
	require.NoError(t, err)
	require.Equal(t, sortedKeys(accounts), keys)
	require.Len(t, vals, len(keys))
	require.NotEmpty(t, proof)

	verdict := VerifyRange(root, common.Hash{}, keys, vals, proof)
	require.True(t, verdict.Matches)
	require.False(t, verdict.HasMore)
	require.Equal(t, keys[len(keys)-1], verdict.LastKey)
}

func TestStateServer_AccountRangeByteLimit(t *testing.T) {
	srv, root, _ := newTestServer(t, 200, 0)

	keys, vals, proof, err := srv.AccountRange(root, common.Hash{}, common.MaxHash, 1000)
	require.NoError(t, err)
	require.NotEmpty(t, keys)
	require.Less(t, len(keys), 200)

	verdict := VerifyRange(root, common.Hash{}, keys, vals, proof)
	require.True(t, verdict.Matches)
	require.True(t, verdict.HasMore)
}

func TestStateServer_AccountRangeStopsPastLimit(t *testing.T) {
	srv, root, accounts := newTestServer(t, 100, 0)
	all := sortedKeys(accounts)
	limit := all[10]

	keys, _, _, err := srv.AccountRange(root, common.Hash{}, limit, 0)
	require.NoError(t, err)
	require.Equal(t, all[:11], keys, "range must include the first key at the limit")
}

func TestStateServer_UnknownRoot(t *testing.T) {
	srv, _, _ := newTestServer(t, 10, 0)
	keys, vals, proof, err := srv.AccountRange(common.HexToHash("0x01"), common.Hash{}, common.MaxHash, 0)
	require.NoError(t, err)
	require.Empty(t, keys)
	require.Empty(t, vals)
	require.Empty(t, proof)

	_, err = srv.Account(common.HexToHash("0x01"), common.Hash{})
	require.ErrorIs(t, err, ErrUnknownState)
}

func TestStateServer_DropState(t *testing.T) {
	srv, root, _ := newTestServer(t, 10, 0)
	srv.DropState(root)
	require.False(t, srv.HasState(root))
}

func TestStateServer_StorageRanges(t *testing.T) {
	srv, root, accounts := newTestServer(t, 30, 20)

	var owners []common.Hash
	for _, k := range sortedKeys(accounts) {
		if len(accounts[k].Storage) > 0 {
			owners = append(owners, k)
		}
	}
	require.NotEmpty(t, owners)

	keys, vals, proof, err := srv.StorageRanges(root, owners, common.Hash{}, common.MaxHash, 0)
	require.NoError(t, err)
	require.Len(t, keys, len(owners))
	require.Empty(t, proof, "complete storage tries are served without proof")

	for i, owner := range owners {
		acct, err := srv.Account(root, owner)
		require.NoError(t, err)
		verdict := VerifyRange(acct.Root, common.Hash{}, keys[i], vals[i], nil)
		require.True(t, verdict.Matches, "account %x", owner)
	}
}

func TestStateServer_StorageRangesPartial(t *testing.T) {
	srv, root, accounts := newTestServer(t, 10, 200)

	var owners []common.Hash
	for _, k := range sortedKeys(accounts) {
		if len(accounts[k].Storage) > 0 {
			owners = append(owners, k)
		}
	}
	keys, vals, proof, err := srv.StorageRanges(root, owners, common.Hash{}, common.MaxHash, 500)
	require.NoError(t, err)
	require.Len(t, keys, 1, "a partial account ends the response")
	require.NotEmpty(t, proof)

	acct, err := srv.Account(root, owners[0])
	require.NoError(t, err)
	verdict := VerifyRange(acct.Root, common.Hash{}, keys[0], vals[0], proof)
	require.True(t, verdict.Matches)
	require.True(t, verdict.HasMore)

	// Continue from the next slot.
	next := new(uint256.Int).SetBytes32(verdict.LastKey[:])
	next.AddUint64(next, 1)
	origin := common.Hash(next.Bytes32())
	keys2, vals2, proof2, err := srv.StorageRanges(root, owners[:1], origin, common.MaxHash, 0)
	require.NoError(t, err)
	require.Len(t, keys2, 1)
	verdict = VerifyRange(acct.Root, origin, keys2[0], vals2[0], proof2)
	require.True(t, verdict.Matches)
	require.False(t, verdict.HasMore)
	require.Equal(t, 200, len(keys[0])+len(keys2[0]))
}

func TestStateServer_Codes(t *testing.T) {
	srv, _, accounts := newTestServer(t, 20, 0)

	var hashes []common.Hash
	for _, acct := range accounts {
		if len(acct.Code) > 0 {
			hashes = append(hashes, crypto.Keccak256Hash(acct.Code))
		}
	}
	hashes = append(hashes, common.HexToHash("0xdead"))
	codes := srv.Codes(hashes, 0)
	require.Len(t, codes, len(hashes)-1, "unknown hashes are skipped")
	for _, code := range codes {
		require.Contains(t, hashes, crypto.Keccak256Hash(code))
	}
	require.Len(t, srv.Codes(hashes, 1), 1)
}

func TestStateServer_AccountProofs(t *testing.T) {
	srv, root, accounts := newTestServer(t, 50, 0)
	all := sortedKeys(accounts)
	missing := common.HexToHash("0x1234")

	proof, err := srv.AccountProofs(root, []common.Hash{all[3], all[17], missing})
	require.NoError(t, err)

	for _, key := range []common.Hash{all[3], all[17]} {
		blob, err := VerifyLeaf(root, key, proof)
		require.NoError(t, err)
		acct := new(types.StateAccount)
		require.NoError(t, rlp.DecodeBytes(blob, acct))
		require.Equal(t, accounts[key].Nonce, acct.Nonce)
	}
	blob, err := VerifyLeaf(root, missing, proof)
	require.NoError(t, err)
	require.Nil(t, blob)
}
