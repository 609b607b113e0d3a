package conn

import (
	"context"

	"github.com/google/uuid"

	"github.com/sandia-hpc/diod9p/internal/fidpool"
	"github.com/sandia-hpc/diod9p/internal/proto"
)

// State is the lifecycle stage of a Request. Server owns the transitions,
// except that Conn's reset marks the pending requests it abandons as
// Flushed.
type State int

const (
	Pending State = iota
	Working
	Responded
	Flushed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Working:
		return "working"
	case Responded:
		return "responded"
	case Flushed:
		return "flushed"
	default:
		return "unknown"
	}
}

// Request is a single in-flight 9P call on a Connection. It is allocated
// by Conn on decode and handed to the Hooks for queuing; Server owns the
// pending/working bookkeeping and Fid resolution, Conn owns only delivery
// of the eventual reply.
//
// Request carries no manual refcount: the garbage collector reclaims it
// once nothing references it, so the only thing still tracked explicitly
// is queue membership, not lifetime.
type Request struct {
	TraceID string
	Tag     uint16
	Tcall   *proto.Fcall
	Rcall   *proto.Fcall

	Conn              *Conn
	Fid, Afid, Newfid *fidpool.Fid

	State State

	Ctx    context.Context
	Cancel context.CancelFunc
}

// newRequest allocates a Request for a freshly decoded Fcall, with a
// cancelable context a Tflush or connection reset can fire to interrupt a
// blocking backend handler.
func newRequest(c *Conn, fc *proto.Fcall) *Request {
	ctx, cancel := context.WithCancel(context.Background())
	return &Request{
		TraceID: uuid.NewString(),
		Tag:     fc.Tag,
		Tcall:   fc,
		Conn:    c,
		State:   Pending,
		Ctx:     ctx,
		Cancel:  cancel,
	}
}

// Hooks is the slice of Server behavior a Conn calls into: queuing a
// freshly decoded request, adding/removing itself from the connection
// set, and the three steps of the reset protocol that require the
// server lock. Defining this interface in package conn rather than
// importing package server keeps the dependency one-directional: server
// imports conn, not the reverse.
type Hooks interface {
	// AddConnection registers c in the server's connection set.
	AddConnection(c *Conn)
	// RemoveConnection removes c from the server's connection set.
	RemoveConnection(c *Conn)

	// Enqueue places req on the pending queue and wakes a worker. It
	// returns an error (never fatal to the connection) if req's tag is
	// already outstanding on c; the caller should reply to req with
	// that error instead of queuing it.
	Enqueue(req *Request) error

	// Drain moves every pending request for c into toRespond and
	// snapshots every working, non-Tversion request for c into
	// working, atomically, under the server lock.
	Drain(c *Conn) (toRespond, working []*Request)

	// FlushForReset cancels req's context and invokes the backend's
	// flush handler on it, as part of connection reset. It must not
	// block.
	FlushForReset(req *Request)

	// WaitDrained blocks until no working, non-Tversion request for c
	// remains.
	WaitDrained(c *Conn)
}
