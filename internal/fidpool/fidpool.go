// Package fidpool implements the per-connection fid table: a single mutex
// guards the map, and any teardown that might re-enter the pool (closing
// backend-held file state) runs after the lock is released.
package fidpool

import (
	"errors"
	"sync"

	"github.com/sandia-hpc/diod9p/internal/proto"
)

var (
	// ErrExists is returned by CreateFid when the id is already bound.
	ErrExists = errors.New("fidpool: fid already exists")
	// ErrNotFound is returned by Lookup/DestroyFid for an unbound id.
	ErrNotFound = errors.New("fidpool: fid not found")
)

// FidType distinguishes a regular fid (walked/attached into the backend
// namespace) from an auth-fid (carries only an AuthState in Aux).
type FidType int

const (
	Regular FidType = iota
	Auth
)

// User is the identity bound to a fid at attach/auth time. It is immutable
// for the lifetime of the Fid that references it.
type User struct {
	Uname string
	Uid   uint32
	Gid   uint32
	Sgids []uint32
}

// Teardown is invoked outside the pool lock when a Fid is destroyed. For a
// Regular fid the backend supplies a close callback; for an Auth fid it is
// the auth state machine's teardown.
type Teardown func(f *Fid)

// Fid is a connection-scoped handle onto the backend namespace.
type Fid struct {
	ID   uint32
	User User
	Name string // aname presented at attach/auth time
	Type FidType

	// mu guards Qid, OpenMode and Aux, which can mutate after creation
	// (Twalk/Topen update them; the auth handshake mutates Aux for an
	// auth-fid).
	mu       sync.Mutex
	Qid      proto.QID
	OpenMode *uint8
	Aux      interface{}

	teardown Teardown
}

// Lock/Unlock expose the per-fid mutation lock to callers (backend
// handlers, the auth state machine) that need to read or update Qid,
// OpenMode or Aux. This is distinct from and nested inside the pool lock.
func (f *Fid) Lock()   { f.mu.Lock() }
func (f *Fid) Unlock() { f.mu.Unlock() }

// Pool is the per-connection fid table.
type Pool struct {
	mu   sync.Mutex
	byID map[uint32]*Fid
}

// New returns an empty fid pool.
func New() *Pool {
	return &Pool{byID: make(map[uint32]*Fid)}
}

// CreateFid binds id to a freshly allocated Fid. teardown is invoked
// (outside the pool lock) when the fid is later destroyed.
func (p *Pool) CreateFid(id uint32, user User, name string, typ FidType, teardown Teardown) (*Fid, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byID[id]; ok {
		return nil, ErrExists
	}

	f := &Fid{ID: id, User: user, Name: name, Type: typ, teardown: teardown}
	p.byID[id] = f
	return f, nil
}

// Lookup returns the Fid bound to id.
func (p *Pool) Lookup(id uint32) (*Fid, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, ok := p.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return f, nil
}

// DestroyFid removes id from the table and runs its teardown callback
// outside the pool lock, so a teardown that re-enters the pool (e.g. to
// walk siblings) cannot deadlock.
func (p *Pool) DestroyFid(id uint32) error {
	p.mu.Lock()
	f, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return ErrNotFound
	}
	delete(p.byID, id)
	p.mu.Unlock()

	if f.teardown != nil {
		f.teardown(f)
	}
	return nil
}

// Destroy tears down every fid still in the table; connection reset ends
// with this. Teardown callbacks run outside the lock, one at a time, same
// as DestroyFid.
func (p *Pool) Destroy() {
	p.mu.Lock()
	fids := make([]*Fid, 0, len(p.byID))
	for _, f := range p.byID {
		fids = append(fids, f)
	}
	p.byID = make(map[uint32]*Fid)
	p.mu.Unlock()

	for _, f := range fids {
		if f.teardown != nil {
			f.teardown(f)
		}
	}
}

// Len reports the number of live fids; used by tests and diagnostics.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}
