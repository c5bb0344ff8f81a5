package sync

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestRefreshQueue_Dedup(t *testing.T) {
	q := newRefreshQueue()
	a := RefreshTask{Account: common.HexToHash("0xa"), StorageOrigin: common.HexToHash("0x10")}
	b := RefreshTask{Account: common.HexToHash("0xb")}

	require.True(t, q.push(a))
	require.True(t, q.push(b))
	require.False(t, q.push(RefreshTask{Account: a.Account}), "second entry for an account is merged")
	require.Equal(t, 2, q.len())
	require.True(t, q.contains(a.Account))

	tasks := q.drain()
	require.Equal(t, []RefreshTask{a, b}, tasks)
	require.Zero(t, q.len())
	require.False(t, q.contains(a.Account))
	require.Nil(t, q.drain())

	require.True(t, q.push(a), "a drained account can be queued again")
}
