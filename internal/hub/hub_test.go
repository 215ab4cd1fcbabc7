package hub

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePeer struct {
	id     string
	full   bool
	mu     sync.Mutex
	msgs   [][]byte
	closed atomic.Bool
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Deliver(msg []byte) bool {
	if p.full || p.closed.Load() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return true
}

func (p *fakePeer) Close() { p.closed.Store(true) }

func (p *fakePeer) received() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := New(zap.NewNop())
	a := &fakePeer{id: "a"}

	require.NoError(t, h.Register(a))
	assert.ErrorIs(t, h.Register(&fakePeer{id: "a"}), ErrDuplicatePeer)
	assert.Equal(t, 1, h.Len())

	assert.True(t, h.Unregister("a"))
	assert.False(t, h.Unregister("a"))
	assert.Equal(t, 0, h.Len())
}

func TestHub_BroadcastExcludesOriginator(t *testing.T) {
	h := New(zap.NewNop())
	a, b, c := &fakePeer{id: "a"}, &fakePeer{id: "b"}, &fakePeer{id: "c"}
	for _, p := range []*fakePeer{a, b, c} {
		require.NoError(t, h.Register(p))
	}

	d := h.Broadcast([]byte(`{"type":"wallet"}`), "a")
	assert.Equal(t, Delivery{Delivered: 2}, d)
	assert.Equal(t, 0, a.received())
	assert.Equal(t, 1, b.received())
	assert.Equal(t, 1, c.received())

	d = h.Broadcast([]byte(`{"type":"org"}`), "")
	assert.Equal(t, Delivery{Delivered: 3}, d)
}

func TestHub_BroadcastSkipsStuckPeers(t *testing.T) {
	h := New(zap.NewNop())
	ok := &fakePeer{id: "ok"}
	stuck := &fakePeer{id: "stuck", full: true}
	dead := &fakePeer{id: "dead"}
	dead.Close()
	for _, p := range []*fakePeer{ok, stuck, dead} {
		require.NoError(t, h.Register(p))
	}

	d := h.Broadcast([]byte("x"), "")
	assert.Equal(t, Delivery{Delivered: 1, Dropped: 2}, d)
	assert.Equal(t, 1, ok.received())
}

func TestHub_CloseAll(t *testing.T) {
	h := New(zap.NewNop())
	peers := []*fakePeer{{id: "a"}, {id: "b"}}
	for _, p := range peers {
		require.NoError(t, h.Register(p))
	}

	h.CloseAll()
	assert.Equal(t, 0, h.Len())
	for _, p := range peers {
		assert.True(t, p.closed.Load())
	}
}

func TestHub_ConcurrentChurn(t *testing.T) {
	h := New(zap.NewNop())
	stable := &fakePeer{id: "stable"}
	require.NoError(t, h.Register(stable))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := fmt.Sprintf("p%d-%d", i, j)
				_ = h.Register(&fakePeer{id: id})
				h.Unregister(id)
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h.Broadcast([]byte("x"), "")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.Len())
	assert.Equal(t, 8*50, stable.received())
}
