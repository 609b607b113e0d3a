// Package conn implements the per-connection read/dispatch loop, reply
// delivery, and the reset/shutdown protocol: a goroutine-per-connection
// reader paired with a mutex-guarded struct for the connection's mutable
// state.
package conn

import (
	"sync"

	"github.com/google/uuid"

	"github.com/sandia-hpc/diod9p/internal/fidpool"
	"github.com/sandia-hpc/diod9p/internal/log"
	"github.com/sandia-hpc/diod9p/internal/proto"
)

// Conn is a single connection's runtime state. Ownership: the Server
// holds it in its connection set for as long as it is registered; Serve's
// goroutine holds it for the lifetime of the read loop; neither needs a
// manual refcount since the GC keeps the struct alive as long as either
// reference (or an in-flight *Request) exists.
type Conn struct {
	id    string
	hooks Hooks
	debug proto.DebugFlag

	mu        sync.Mutex
	cond      *sync.Cond
	trans     Transport
	msize     uint32
	resetting bool
	fidpool   *fidpool.Pool
	authUID   *uint32
	aux       interface{}

	// wmu serializes writers on the response path; it is a leaf lock
	// never held while mu or any other lock is held.
	wmu sync.Mutex
}

// New builds a Conn around an already-accepted Transport. msize is the
// connection's initial negotiated message size (before any Tversion);
// hooks is almost always a *server.Server.
func New(hooks Hooks, trans Transport, msize uint32, debug proto.DebugFlag) *Conn {
	c := &Conn{
		id:      uuid.NewString(),
		hooks:   hooks,
		debug:   debug,
		trans:   trans,
		msize:   msize,
		fidpool: fidpool.New(),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// ID is a short opaque identifier used for log correlation; it has no
// wire meaning.
func (c *Conn) ID() string { return c.id }

// FidPool returns the connection's fid table.
func (c *Conn) FidPool() *fidpool.Pool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fidpool
}

// Msize reports the currently negotiated message size.
func (c *Conn) Msize() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msize
}

// AuthUser implements auth.ConnAuth / backend.Conn: the uid bound to this
// connection by a prior successful authenticated Tattach.
func (c *Conn) AuthUser() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authUID == nil {
		return 0, false
	}
	return *c.authUID, true
}

// SetAuthUser records uid as this connection's authenticated identity.
// Called only from CheckAuth's "Allow; record authuser=uid" rows.
func (c *Conn) SetAuthUser(uid uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authUID = &uid
}

// Aux returns the backend's per-connection slot, typed as interface{} at
// this boundary; the backend is responsible for any further type
// assertion.
func (c *Conn) Aux() interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aux
}

// SetAux replaces the backend's per-connection slot.
func (c *Conn) SetAux(v interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aux = v
}

// RenegotiateVersion applies the Tversion side effect: reset connection
// state and renegotiate msize. It tears down the fid pool and clears any
// bound auth identity without running the full reset/drain protocol,
// since by construction Tversion is only valid before (or between) other
// outstanding exchanges.
func (c *Conn) RenegotiateVersion(msize uint32) {
	c.mu.Lock()
	old := c.fidpool
	c.fidpool = fidpool.New()
	c.msize = msize
	c.authUID = nil
	c.mu.Unlock()

	old.Destroy()
}

// Shutdown atomically takes and closes the transport; the read loop will
// observe the resulting EOF/error and run the reset path on its own.
func (c *Conn) Shutdown() {
	c.killTransport()
}

func (c *Conn) killTransport() {
	c.mu.Lock()
	t := c.trans
	c.trans = nil
	c.mu.Unlock()
	if t != nil {
		t.Close()
	}
}

// Serve runs the read/dispatch loop until the transport closes or a frame
// fails to decode, then resets and unregisters the connection. The reset
// runs while the connection is still registered, so the server can still
// find and flush its outstanding requests. It is intended to run in its
// own goroutine, one per accepted connection.
func (c *Conn) Serve() {
	c.hooks.AddConnection(c)

	c.readLoop()

	c.killTransport()
	c.reset()
	c.hooks.RemoveConnection(c)
}

func (c *Conn) readLoop() {
	var buf []byte

	for {
		c.mu.Lock()
		for c.resetting {
			c.cond.Wait()
			buf = nil // bytes accumulated before the reset are stale
		}
		trans := c.trans
		msize := c.msize
		c.mu.Unlock()

		if trans == nil {
			return
		}

		scratch := make([]byte, msize)
		n, err := trans.Read(scratch)
		if n > 0 {
			buf = append(buf, scratch[:n]...)
		}
		if err != nil {
			return
		}

		for {
			size := proto.PeekSize(buf)
			if size == 0 || uint32(len(buf)) < size {
				break
			}

			frame := make([]byte, size)
			copy(frame, buf[:size])
			buf = append([]byte(nil), buf[size:]...) // fresh scratch buffer, leftover moved in

			fc, err := proto.Decode(frame)
			if err != nil {
				log.Error("conn %s: decode error, dropping connection: %v", c.id, err)
				return
			}
			if c.debug.Has(proto.TraceP9) {
				log.Debug("conn %s: <- %s", c.id, fc.String())
			}

			req := newRequest(c, fc)

			c.mu.Lock()
			resetting := c.resetting
			c.mu.Unlock()

			if resetting {
				continue // resetting: no new requests enter the queues
			}
			if err := c.hooks.Enqueue(req); err != nil {
				req.Rcall = errorReply(err, req.Tag)
				c.Respond(req)
			}
		}
	}
}

// Respond delivers req's reply, if any, to the transport. It is called by
// a worker once req.Rcall is populated, or by reset on an abandoned
// pending request with Rcall left nil, meaning "do not send" (once a
// connection is resetting there is normally no live transport left to
// write to anyway).
func (c *Conn) Respond(req *Request) {
	c.mu.Lock()
	trans := c.trans
	resetting := c.resetting
	c.mu.Unlock()

	if req.Rcall != nil && trans != nil && !resetting {
		if c.debug.Has(proto.TraceP9) {
			log.Debug("conn %s: -> %s", c.id, req.Rcall.String())
		}
		var wbuf []byte
		if _, err := proto.Encode(req.Rcall, &wbuf); err != nil {
			log.Error("conn %s: encode error for tag %d: %v", c.id, req.Tag, err)
		} else {
			c.wmu.Lock()
			_, werr := trans.Write(wbuf)
			c.wmu.Unlock()
			if werr != nil {
				c.killTransport()
			}
		}
	}

	req.Tcall = nil
	req.Rcall = nil
}

// reset drains and abandons every outstanding request for this
// connection, then destroys the fid pool. It is idempotent: a second
// concurrent caller simply waits for the first to finish.
func (c *Conn) reset() {
	c.mu.Lock()
	if c.resetting {
		for c.resetting {
			c.cond.Wait()
		}
		c.mu.Unlock()
		return
	}
	c.resetting = true
	c.mu.Unlock()

	toRespond, working := c.hooks.Drain(c)

	for _, req := range toRespond {
		req.State = Flushed
		c.Respond(req)
	}

	for _, req := range working {
		c.hooks.FlushForReset(req)
	}

	c.hooks.WaitDrained(c)

	c.mu.Lock()
	pool := c.fidpool
	c.mu.Unlock()
	pool.Destroy()

	c.mu.Lock()
	c.resetting = false
	c.cond.Broadcast()
	c.mu.Unlock()
}

func errorReply(err error, tag uint16) *proto.Fcall {
	if errno, ok := err.(proto.Errno); ok {
		return errno.ErrorFcall(tag)
	}
	return proto.EINVAL.ErrorFcall(tag)
}
