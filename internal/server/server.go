// Package server implements the owner of a 9P2000.L daemon's connection
// set and request queues: it accepts decoded requests from each Conn (via
// the conn.Hooks contract), fans them out to a fixed-size worker pool,
// dispatches each to the Backend, and routes replies back.
//
// The pending queue is condition-variable-guarded rather than a channel
// so Tflush and connection reset can observe and drain it synchronously
// under the same lock.
package server

import (
	"container/list"
	"sync"

	"github.com/sandia-hpc/diod9p/internal/backend"
	"github.com/sandia-hpc/diod9p/internal/conn"
	"github.com/sandia-hpc/diod9p/internal/metrics"
	"github.com/sandia-hpc/diod9p/internal/proto"
)

// Config is the frozen snapshot the core consumes. Nothing in this
// package mutates a Config after NewServer; reload semantics belong to
// cmd/diod9pd.
type Config struct {
	AuthRequired bool
	AllSquash    bool
	RunAsUID     *uint32
	NWThreads    uint32
	Msize        uint32
	DebugLevel   proto.DebugFlag
}

// connState is the server-side bookkeeping for one Conn: every request
// currently queued or being worked, keyed by tag, so Tflush can find its
// target and a reused tag can be rejected.
type connState struct {
	active map[uint16]*conn.Request
}

// Server owns the connection set and the pending/working request queues.
// Use NewServer then Start; Stop drains the worker pool.
type Server struct {
	cfg Config
	be  backend.Backend
	met *metrics.Collector // nil disables instrumentation

	mu       sync.Mutex
	cond     *sync.Cond
	conns    map[*conn.Conn]*connState
	pendingQ *list.List // FIFO of *conn.Request, oldest first
	stopping bool

	wg sync.WaitGroup
}

// SetMetrics attaches a Collector that future requests report to. Call
// before Start; nil (the default) disables instrumentation entirely.
func (s *Server) SetMetrics(m *metrics.Collector) { s.met = m }

// NewServer builds a Server around a Backend. Call Start to spin up the
// worker pool before accepting connections.
func NewServer(cfg Config, be backend.Backend) *Server {
	s := &Server{
		cfg:      cfg,
		be:       be,
		conns:    make(map[*conn.Conn]*connState),
		pendingQ: list.New(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Config returns the frozen configuration this server was built with.
func (s *Server) Config() Config { return s.cfg }

// Start launches the fixed-size worker pool. It is safe to call exactly
// once.
func (s *Server) Start() {
	n := s.cfg.NWThreads
	if n == 0 {
		n = 1
	}
	for i := uint32(0); i < n; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

// Stop signals every worker to exit once the pending queue drains and
// waits for them to do so. It does not touch existing connections; callers
// typically Shutdown() each Conn first.
func (s *Server) Stop() {
	s.mu.Lock()
	s.stopping = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()
}

// NewConn builds a Conn wired to this server and returns it; the caller
// is responsible for running its Serve method (typically in a new
// goroutine per accepted Transport).
func (s *Server) NewConn(trans conn.Transport) *conn.Conn {
	return conn.New(s, trans, s.cfg.Msize, s.cfg.DebugLevel)
}

// AddConnection implements conn.Hooks.
func (s *Server) AddConnection(c *conn.Conn) {
	s.mu.Lock()
	s.conns[c] = &connState{active: make(map[uint16]*conn.Request)}
	s.mu.Unlock()

	if s.met != nil {
		s.met.ConnectionsOpen.Inc()
		s.met.ConnectionsTotal.Inc()
	}
}

// RemoveConnection implements conn.Hooks.
func (s *Server) RemoveConnection(c *conn.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()

	s.be.ConnectionClosed(c)

	if s.met != nil {
		s.met.ConnectionsOpen.Dec()
	}
}

// Enqueue implements conn.Hooks. A reused tag is rejected while the
// previous request on it is still outstanding.
func (s *Server) Enqueue(req *conn.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.conns[req.Conn]
	if !ok {
		return proto.EIO // connection already torn down under us
	}
	if _, dup := cs.active[req.Tag]; dup {
		return proto.EINVAL
	}

	req.State = conn.Pending
	cs.active[req.Tag] = req
	s.pendingQ.PushBack(req)
	s.cond.Broadcast()

	if s.met != nil {
		s.met.RequestsPending.Inc()
		s.met.RequestsTotal.WithLabelValues(req.Tcall.Type.String()).Inc()
	}
	return nil
}

// Drain implements conn.Hooks for the reset protocol: pull every pending
// request for c off the queue and snapshot its working requests.
func (s *Server) Drain(c *conn.Conn) (toRespond, working []*conn.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.conns[c]
	if !ok {
		return nil, nil
	}

	for el := s.pendingQ.Front(); el != nil; {
		next := el.Next()
		req := el.Value.(*conn.Request)
		if req.Conn == c {
			s.pendingQ.Remove(el)
			delete(cs.active, req.Tag)
			toRespond = append(toRespond, req)
			if s.met != nil {
				s.met.RequestsPending.Dec()
			}
		}
		el = next
	}

	for tag, req := range cs.active {
		if req.State == conn.Working && req.Tcall.Type != proto.Tversion {
			working = append(working, req)
		}
		_ = tag
	}
	return toRespond, working
}

// FlushForReset implements conn.Hooks: cancel and hand to the backend's
// flush handler.
func (s *Server) FlushForReset(req *conn.Request) {
	req.Cancel()
	s.be.Flush(nil, toBackendRequest(req))
}

// WaitDrained implements conn.Hooks step 5: block until no Working,
// non-Tversion request remains for c.
func (s *Server) WaitDrained(c *conn.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.connHasLiveWork(c) {
		s.cond.Wait()
	}
}

func (s *Server) connHasLiveWork(c *conn.Conn) bool {
	cs, ok := s.conns[c]
	if !ok {
		return false
	}
	for _, req := range cs.active {
		if req.State == conn.Working && req.Tcall.Type != proto.Tversion {
			return true
		}
	}
	return false
}

func (s *Server) worker() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		for s.pendingQ.Len() == 0 && !s.stopping {
			s.cond.Wait()
		}
		if s.pendingQ.Len() == 0 && s.stopping {
			s.mu.Unlock()
			return
		}
		el := s.pendingQ.Front()
		s.pendingQ.Remove(el)
		req := el.Value.(*conn.Request)
		req.State = conn.Working
		s.mu.Unlock()

		if s.met != nil {
			s.met.RequestsPending.Dec()
			s.met.RequestsWorking.Inc()
		}

		s.dispatch(req)

		if s.met != nil {
			s.met.RequestsWorking.Dec()
		}
	}
}

// dispatch runs the backend handler for req and delivers the reply. It
// always removes req from the connection's active set before responding,
// so a WaitDrained or tag-reuse check never observes a half-finished
// request.
func (s *Server) dispatch(req *conn.Request) {
	rcall := s.handle(req)
	req.Rcall = rcall

	s.mu.Lock()
	if cs, ok := s.conns[req.Conn]; ok {
		delete(cs.active, req.Tag)
	}
	req.State = conn.Responded
	s.cond.Broadcast()
	s.mu.Unlock()

	req.Conn.Respond(req)
}
