package registry

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wricardo/mtls-chat/internal/chattest"
)

func TestRegistry_Register(t *testing.T) {
	reg := New()

	t.Run("register new name", func(t *testing.T) {
		alice := chattest.NewMember("alice")
		require.NoError(t, reg.Register(alice))
		assert.True(t, reg.Contains("alice"))
		assert.Equal(t, 1, reg.Count())
	})

	t.Run("duplicate name leaves registry untouched", func(t *testing.T) {
		first, err := reg.Lookup("alice")
		require.NoError(t, err)

		err = reg.Register(chattest.NewMember("alice"))
		assert.ErrorIs(t, err, ErrUsernameTaken)

		current, err := reg.Lookup("alice")
		require.NoError(t, err)
		assert.Equal(t, first.ID(), current.ID())
		assert.Equal(t, 1, reg.Count())
	})

	t.Run("names are case sensitive", func(t *testing.T) {
		require.NoError(t, reg.Register(chattest.NewMember("Alice")))
		assert.Equal(t, []string{"Alice", "alice"}, reg.Names())
	})

	t.Run("empty name", func(t *testing.T) {
		assert.ErrorIs(t, reg.Register(chattest.NewMember("")), ErrInvalidUsername)
	})
}

func TestRegistry_Unregister(t *testing.T) {
	reg := New()
	old := chattest.NewMember("bob")
	require.NoError(t, reg.Register(old))

	assert.True(t, reg.Unregister(old))
	assert.False(t, reg.Unregister(old), "second removal must be a no-op")

	// A new session reuses the name; the stale one must not evict it.
	fresh := chattest.NewMember("bob")
	require.NoError(t, reg.Register(fresh))
	assert.False(t, reg.Unregister(old))

	current, err := reg.Lookup("bob")
	require.NoError(t, err)
	assert.Equal(t, fresh.ID(), current.ID())
}

func TestRegistry_Lookup(t *testing.T) {
	reg := New()
	_, err := reg.Lookup("nobody")
	assert.ErrorIs(t, err, ErrMemberNotFound)
}

func TestRegistry_Snapshot(t *testing.T) {
	reg := New()
	for _, name := range []string{"carol", "alice", "bob"} {
		require.NoError(t, reg.Register(chattest.NewMember(name)))
	}

	snap := reg.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "alice", snap[0].Username())
	assert.Equal(t, "bob", snap[1].Username())
	assert.Equal(t, "carol", snap[2].Username())

	// Mutating the registry does not change an existing snapshot.
	reg.Unregister(snap[0])
	assert.Len(t, snap, 3)
	assert.Equal(t, 2, reg.Count())
}

func TestRegistry_ConcurrentDistinctNames(t *testing.T) {
	reg := New()
	const n = 200

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := reg.Register(chattest.NewMember(fmt.Sprintf("user-%d", i))); err != nil {
				failures.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, n, reg.Count())
}

func TestRegistry_ConcurrentSameName(t *testing.T) {
	reg := New()
	const n = 200

	var wg sync.WaitGroup
	var winners, taken atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := reg.Register(chattest.NewMember("alice"))
			switch err {
			case nil:
				winners.Add(1)
			case ErrUsernameTaken:
				taken.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, winners.Load())
	assert.EqualValues(t, n-1, taken.Load())
	assert.Equal(t, 1, reg.Count())
}

func TestRegistry_RemovalRacesRelogin(t *testing.T) {
	for round := 0; round < 100; round++ {
		reg := New()
		old := chattest.NewMember("dave")
		require.NoError(t, reg.Register(old))

		var wg sync.WaitGroup
		var removed atomic.Int32
		fresh := chattest.NewMember("dave")

		wg.Add(3)
		go func() {
			defer wg.Done()
			if reg.Unregister(old) {
				removed.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			if reg.Unregister(old) {
				removed.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			// Retry until the old session is gone, as a reconnecting client would.
			for reg.Register(fresh) != nil {
				runtime.Gosched()
			}
		}()
		wg.Wait()

		assert.EqualValues(t, 1, removed.Load())
		current, err := reg.Lookup("dave")
		require.NoError(t, err)
		assert.Equal(t, fresh.ID(), current.ID())
	}
}
