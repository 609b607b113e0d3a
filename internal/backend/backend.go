// Package backend defines the opaque per-operation handler table the
// connection runtime dispatches into, plus a minimal reference
// implementation (Null) used by tests and cmd/diod9pd's default
// configuration. Real deployments supply their own Backend over an actual
// exported tree; none of that file-system logic is this module's concern.
package backend

import (
	"context"

	"github.com/sandia-hpc/diod9p/internal/auth"
	"github.com/sandia-hpc/diod9p/internal/fidpool"
	"github.com/sandia-hpc/diod9p/internal/proto"
)

// Conn is the slice of connection state a backend handler may need:
// identity for logging/tracing and the auth.ConnAuth accessors used by
// CheckAuth.
type Conn interface {
	auth.ConnAuth
	ID() string
}

// Request carries everything a handler needs about the in-flight call:
// the already fid-pool-resolved handles (nil when not applicable to this
// operation) and the owning connection. The server owns the request's
// full lifecycle; this is the read-only view handlers see.
type Request struct {
	Tag               uint16
	Conn              Conn
	Fid, Afid, Newfid *fidpool.Fid

	// Ctx is canceled when the request is targeted by a Tflush or the
	// connection resets; a handler performing blocking I/O should select
	// on it and return an error promptly. Null and other non-blocking
	// handlers may ignore it.
	Ctx context.Context
}

// AuthProvider is the four-handler auth contract plus the attach-time
// decision, surfaced to the backend so it can wire a concrete Verifier
// without the connection runtime knowing about credential schemes at
// all.
type AuthProvider interface {
	StartAuth(afid *fidpool.Fid, aname string) auth.Result
	AuthWrite(afid *fidpool.Fid, offset uint64, data []byte) (uint32, error)
	AuthRead(afid *fidpool.Fid, offset uint64, count uint32) ([]byte, error)
	CheckAuth(fid, afid *fidpool.Fid, conn Conn) bool
	AuthClunk(afid *fidpool.Fid)
}

// Backend is the full per-operation handler table. Each handler is
// invoked serially with respect to a single Request; different requests
// may run concurrently. A non-nil error is converted to an Rlerror reply
// by the dispatcher (it should be a proto.Errno).
type Backend interface {
	Auth() AuthProvider

	Version(req *Request, t *proto.TversionBody) (*proto.RversionBody, error)
	Attach(req *Request, t *proto.TattachBody) (*proto.RattachBody, error)
	Walk(req *Request, t *proto.TwalkBody) (*proto.RwalkBody, error)
	Open(req *Request, t *proto.TopenBody) (*proto.RopenBody, error)
	Create(req *Request, t *proto.TcreateBody) (*proto.RcreateBody, error)
	Read(req *Request, t *proto.TreadBody) (*proto.RreadBody, error)
	Write(req *Request, t *proto.TwriteBody) (*proto.RwriteBody, error)
	Clunk(req *Request, t *proto.TclunkBody) (*proto.RclunkBody, error)
	Remove(req *Request, t *proto.TremoveBody) (*proto.RremoveBody, error)
	Stat(req *Request, t *proto.TstatBody) (*proto.RstatBody, error)
	Wstat(req *Request, t *proto.TwstatBody) (*proto.RwstatBody, error)

	// Flush must arrange for target (an in-flight Request on the working
	// list) to eventually be responded to, typically with an EINTR
	// Rlerror. It must not block.
	Flush(req *Request, target *Request)

	// ConnectionClosed notifies the backend that conn is gone; any
	// backend-side state keyed by the connection (beyond what fidpool
	// teardown already covers) should be released here.
	ConnectionClosed(conn Conn)
}
