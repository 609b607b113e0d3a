package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sandia-hpc/diod9p/internal/fidpool"
	"github.com/sandia-hpc/diod9p/internal/proto"
)

type fakeVerifier struct {
	wantLen int
	uid     uint32
}

func (v fakeVerifier) Verify(blob []byte) (uint32, error) {
	if len(blob) < v.wantLen {
		return 0, errors.New("incomplete credential")
	}
	return v.uid, nil
}

type fakeConn struct {
	uid uint32
	ok  bool
}

func (c *fakeConn) AuthUser() (uint32, bool) { return c.uid, c.ok }
func (c *fakeConn) SetAuthUser(uid uint32)   { c.uid, c.ok = uid, true }

func newAfid(t *testing.T, authRequired bool, v Verifier) *fidpool.Fid {
	t.Helper()
	pool := fidpool.New()
	f, err := pool.CreateFid(2, fidpool.User{Uname: "u", Uid: 1000}, "/", fidpool.Auth, func(f *fidpool.Fid) { Clunk(f) })
	require.NoError(t, err)
	res := StartAuth(f, authRequired, v)
	require.Equal(t, Proceed, res)
	return f
}

func TestStartAuthNotRequired(t *testing.T) {
	pool := fidpool.New()
	f, err := pool.CreateFid(2, fidpool.User{}, "/", fidpool.Auth, nil)
	require.NoError(t, err)
	require.Equal(t, NotRequired, StartAuth(f, false, fakeVerifier{}))
}

func TestAuthHappyPath(t *testing.T) {
	afid := newAfid(t, true, fakeVerifier{wantLen: 4, uid: 1000})

	n, err := Write(afid, 0, []byte("cred"))
	require.NoError(t, err)
	require.EqualValues(t, 4, n)

	fid := mustRegularFid(t, 1000)
	c := &fakeConn{}
	require.True(t, CheckAuth(fid, afid, true, c))
	require.Equal(t, uint32(1000), c.uid)
}

func TestAuthUidMismatchDeniesAttach(t *testing.T) {
	afid := newAfid(t, true, fakeVerifier{wantLen: 4, uid: 1001})

	n, err := Write(afid, 0, []byte("cred"))
	require.NoError(t, err) // write itself still succeeds
	require.EqualValues(t, 4, n)

	fid := mustRegularFid(t, 1000)
	c := &fakeConn{}
	require.False(t, CheckAuth(fid, afid, true, c))
}

func TestAuthWrongOffset(t *testing.T) {
	afid := newAfid(t, true, fakeVerifier{wantLen: 4, uid: 1000})

	_, err := Write(afid, 5, []byte("xxxxx"))
	require.ErrorIs(t, err, proto.EIO)

	// corrected write at offset 0 still works afterward
	n, err := Write(afid, 0, []byte("cred"))
	require.NoError(t, err)
	require.EqualValues(t, 4, n)
}

func TestAuthWriteAfterVerifiedIsProtocolError(t *testing.T) {
	afid := newAfid(t, true, fakeVerifier{wantLen: 4, uid: 1000})

	_, err := Write(afid, 0, []byte("cred"))
	require.NoError(t, err)

	_, err = Write(afid, 4, []byte("more"))
	require.ErrorIs(t, err, proto.EIO)
}

func TestAuthZeroLengthWriteIsNoop(t *testing.T) {
	afid := newAfid(t, true, fakeVerifier{wantLen: 4, uid: 1000})

	n, err := Write(afid, 99, nil) // bogus offset, should be ignored
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	n, err = Write(afid, 0, []byte("cred"))
	require.NoError(t, err)
	require.EqualValues(t, 4, n)
}

func TestAuthReadAlwaysEmpty(t *testing.T) {
	afid := newAfid(t, true, fakeVerifier{wantLen: 4, uid: 1000})
	data, err := Read(afid, 0, 8192)
	require.NoError(t, err)
	require.Empty(t, data)
}

func mustRegularFid(t *testing.T, uid uint32) *fidpool.Fid {
	t.Helper()
	pool := fidpool.New()
	f, err := pool.CreateFid(1, fidpool.User{Uname: "u", Uid: uid}, "/", fidpool.Regular, nil)
	require.NoError(t, err)
	return f
}

// TestCheckAuthDecisionTable exercises every combination of afid
// presence/state, auth requirement, and prior connection identity.
func TestCheckAuthDecisionTable(t *testing.T) {
	cases := []struct {
		name         string
		authRequired bool
		afid         func(t *testing.T) *fidpool.Fid
		conn         *fakeConn
		fidUid       uint32
		want         bool
	}{
		{
			name:         "no afid, auth not required",
			authRequired: false,
			afid:         func(t *testing.T) *fidpool.Fid { return nil },
			conn:         &fakeConn{},
			fidUid:       1000,
			want:         true,
		},
		{
			name:         "no afid, auth required, no prior",
			authRequired: true,
			afid:         func(t *testing.T) *fidpool.Fid { return nil },
			conn:         &fakeConn{},
			fidUid:       1000,
			want:         false,
		},
		{
			name:         "no afid, auth required, prior root",
			authRequired: true,
			afid:         func(t *testing.T) *fidpool.Fid { return nil },
			conn:         &fakeConn{uid: 0, ok: true},
			fidUid:       1000,
			want:         true,
		},
		{
			name:         "no afid, auth required, prior same user",
			authRequired: true,
			afid:         func(t *testing.T) *fidpool.Fid { return nil },
			conn:         &fakeConn{uid: 1000, ok: true},
			fidUid:       1000,
			want:         true,
		},
		{
			name:         "no afid, auth required, prior different user",
			authRequired: true,
			afid:         func(t *testing.T) *fidpool.Fid { return nil },
			conn:         &fakeConn{uid: 1000, ok: true},
			fidUid:       1001,
			want:         false,
		},
		{
			name:         "afid unverified",
			authRequired: true,
			afid: func(t *testing.T) *fidpool.Fid {
				return newAfid(t, true, fakeVerifier{wantLen: 4, uid: 1000})
			},
			conn:   &fakeConn{},
			fidUid: 1000,
			want:   false,
		},
		{
			name:         "afid verified, uid mismatch",
			authRequired: true,
			afid: func(t *testing.T) *fidpool.Fid {
				a := newAfid(t, true, fakeVerifier{wantLen: 4, uid: 1000})
				_, err := Write(a, 0, []byte("cred"))
				require.NoError(t, err)
				return a
			},
			conn:   &fakeConn{},
			fidUid: 1001,
			want:   false,
		},
		{
			name:         "afid verified, uid equal",
			authRequired: true,
			afid: func(t *testing.T) *fidpool.Fid {
				a := newAfid(t, true, fakeVerifier{wantLen: 4, uid: 1000})
				_, err := Write(a, 0, []byte("cred"))
				require.NoError(t, err)
				return a
			},
			conn:   &fakeConn{},
			fidUid: 1000,
			want:   true,
		},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			fid := mustRegularFid(t, c.fidUid)
			afid := c.afid(t)
			got := CheckAuth(fid, afid, c.authRequired, c.conn)
			require.Equal(t, c.want, got)
			if c.want && afid != nil {
				uid, ok := c.conn.AuthUser()
				require.True(t, ok)
				require.Equal(t, c.fidUid, uid)
			}
		})
	}
}
