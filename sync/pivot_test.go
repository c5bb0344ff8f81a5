package sync

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/eth2030/statesync/log"
)

func TestPivot_NoHeader(t *testing.T) {
	p := newPivotTracker(new(testHeaders), 0, log.Module("test"))
	require.False(t, p.canSync())

	p = newPivotTracker(newTestHeaders(0, common.HexToHash("0x01")), 0, log.Module("test"))
	require.False(t, p.canSync(), "genesis is not a usable pivot")
}

func TestPivot_Monotonic(t *testing.T) {
	headers := newTestHeaders(100, common.HexToHash("0xaa"))
	p := newPivotTracker(headers, 0, log.Module("test"))
	require.True(t, p.canSync())
	require.Equal(t, PivotState{Root: common.HexToHash("0xaa"), Number: 100}, p.pivot())

	headers.set(90, common.HexToHash("0xbb"))
	require.True(t, p.advance())
	require.Equal(t, uint64(100), p.pivot().Number, "an older header must be ignored")

	headers.set(120, common.HexToHash("0xcc"))
	require.True(t, p.advance())
	require.Equal(t, PivotState{Root: common.HexToHash("0xcc"), Number: 120}, p.pivot())

	p.adopt(110, common.HexToHash("0xdd"))
	require.Equal(t, uint64(120), p.pivot().Number)
}

func TestPivot_Stale(t *testing.T) {
	headers := newTestHeaders(100, common.HexToHash("0xaa"))
	p := newPivotTracker(headers, 10, log.Module("test"))
	require.True(t, p.canSync())
	require.False(t, p.pivot().Stale)

	headers.set(110, common.HexToHash("0xbb"))
	require.False(t, p.pivot().Stale)

	headers.set(111, common.HexToHash("0xcc"))
	require.True(t, p.pivot().Stale)

	p.advance()
	state := p.pivot()
	require.False(t, state.Stale)
	require.Equal(t, uint64(111), state.Number)
}

func TestPivot_HeaderWithoutNumber(t *testing.T) {
	headers := newTestHeaders(100, common.HexToHash("0xaa"))
	p := newPivotTracker(headers, 10, log.Module("test"))
	require.True(t, p.canSync())

	headers.mu.Lock()
	headers.header = &types.Header{Root: common.HexToHash("0xbb")}
	headers.mu.Unlock()

	var state PivotState
	require.NotPanics(t, func() { state = p.pivot() })
	require.False(t, state.Stale)
	require.True(t, p.advance())
	require.Equal(t, PivotState{Root: common.HexToHash("0xaa"), Number: 100}, p.pivot())
}
