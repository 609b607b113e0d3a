// Package auth implements the afid credential handshake state machine.
// The verifier is invoked again after every accepted append: the supported
// credential scheme is self-delimiting, so repeated verification of an
// incomplete blob fails cheaply until the blob completes.
package auth

import (
	"sync"

	"github.com/sandia-hpc/diod9p/internal/fidpool"
	"github.com/sandia-hpc/diod9p/internal/proto"
)

// Verifier maps a presented credential blob to a uid, or fails if the blob
// is incomplete, malformed, or does not authenticate anyone.
type Verifier interface {
	Verify(blob []byte) (uid uint32, err error)
}

// Result is the outcome of StartAuth.
type Result int

const (
	Proceed Result = iota
	NotRequired
)

// State is the tagged variant {Unverified, Verified} attached to an
// auth-fid's Aux.
type State struct {
	mu       sync.Mutex
	verifier Verifier
	buf      []byte
	verified bool
	uid      uint32
}

// ConnAuth is the slice of Connection state the attach-time check reads
// and writes: the uid recorded by a prior successful auth on this
// connection.
type ConnAuth interface {
	AuthUser() (uid uint32, ok bool)
	SetAuthUser(uid uint32)
}

// StartAuth begins the handshake on a fresh auth-fid. If auth is
// disabled it returns NotRequired, leaving f untouched; the Tauth
// dispatcher must then reply Rlerror(ECONNREFUSED)-equivalent ("auth not
// required"). Otherwise it allocates a fresh State and sets f's qid to the
// fixed auth qid.
func StartAuth(f *fidpool.Fid, authRequired bool, v Verifier) Result {
	if !authRequired {
		return NotRequired
	}

	f.Lock()
	f.Aux = &State{verifier: v}
	f.Qid = proto.AuthQID
	f.Unlock()

	return Proceed
}

func stateOf(f *fidpool.Fid) *State {
	f.Lock()
	defer f.Unlock()
	s, _ := f.Aux.(*State)
	return s
}

// Write appends data to the credential buffer. offset must equal the
// current buffer length (append-only); a write after Verified, or at the
// wrong offset, is proto.EIO. A zero-length write is a no-op regardless
// of offset.
func Write(f *fidpool.Fid, offset uint64, data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}

	s := stateOf(f)
	if s == nil {
		return 0, proto.EIO
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.verified {
		return 0, proto.EIO
	}
	if offset != uint64(len(s.buf)) {
		return 0, proto.EIO
	}

	s.buf = append(s.buf, data...)

	if uid, err := s.verifier.Verify(s.buf); err == nil && uid == f.User.Uid {
		s.verified = true
		s.uid = uid
	}
	// A verifier error (incomplete/malformed blob so far) or a uid
	// mismatch both leave State Unverified; the write itself still
	// succeeds, and a later Tattach through this afid fails with EPERM.

	return uint32(len(data)), nil
}

// Read services a Tread on an auth-fid: this scheme never produces a
// readable auth payload.
func Read(f *fidpool.Fid, offset uint64, count uint32) ([]byte, error) {
	return nil, nil
}

// Clunk tears down the State. Suitable as a fidpool.Teardown for
// Auth-typed fids.
func Clunk(f *fidpool.Fid) {
	f.Lock()
	f.Aux = nil
	f.Unlock()
}

// CheckAuth decides whether a Tattach proceeds. fid is the attaching
// regular fid (already created, carrying the presented uid); afid is nil
// when the client presented NOFID.
func CheckAuth(fid *fidpool.Fid, afid *fidpool.Fid, authRequired bool, conn ConnAuth) bool {
	if afid == nil {
		if !authRequired {
			return true
		}
		prior, ok := conn.AuthUser()
		if !ok {
			return false
		}
		if prior == 0 {
			return true // root handoff
		}
		return prior == fid.User.Uid
	}

	s := stateOf(afid)
	if s == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.verified {
		return false
	}
	if s.uid != fid.User.Uid {
		return false
	}

	conn.SetAuthUser(s.uid)
	return true
}
