package fidpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateLookupDestroy(t *testing.T) {
	p := New()

	f, err := p.CreateFid(1, User{Uname: "u", Uid: 1000}, "/", Regular, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(1), f.ID)

	got, err := p.Lookup(1)
	require.NoError(t, err)
	require.Same(t, f, got)

	require.Equal(t, 1, p.Len())
	require.NoError(t, p.DestroyFid(1))
	require.Equal(t, 0, p.Len())

	_, err = p.Lookup(1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateFidExists(t *testing.T) {
	p := New()
	_, err := p.CreateFid(1, User{}, "", Regular, nil)
	require.NoError(t, err)

	_, err = p.CreateFid(1, User{}, "", Regular, nil)
	require.ErrorIs(t, err, ErrExists)
}

func TestDestroyRunsTeardownOutsideLock(t *testing.T) {
	p := New()
	var torn bool
	_, err := p.CreateFid(1, User{}, "", Regular, func(f *Fid) {
		torn = true
		// reentrant call must not deadlock
		require.Equal(t, 0, p.Len())
	})
	require.NoError(t, err)

	require.NoError(t, p.DestroyFid(1))
	require.True(t, torn)
}

func TestDestroyAll(t *testing.T) {
	p := New()
	count := 0
	for i := uint32(1); i <= 3; i++ {
		_, err := p.CreateFid(i, User{}, "", Regular, func(f *Fid) { count++ })
		require.NoError(t, err)
	}

	p.Destroy()
	require.Equal(t, 3, count)
	require.Equal(t, 0, p.Len())
}

func TestDestroyMissing(t *testing.T) {
	p := New()
	require.ErrorIs(t, p.DestroyFid(99), ErrNotFound)
}
