package server

import (
	"github.com/sandia-hpc/diod9p/internal/auth"
	"github.com/sandia-hpc/diod9p/internal/backend"
	"github.com/sandia-hpc/diod9p/internal/conn"
	"github.com/sandia-hpc/diod9p/internal/fidpool"
	"github.com/sandia-hpc/diod9p/internal/log"
	"github.com/sandia-hpc/diod9p/internal/proto"
)

// toBackendRequest projects a conn.Request onto the read-only view the
// Backend interface sees, so the backend never touches server bookkeeping
// (queues, State) or Conn internals beyond the auth.ConnAuth/ID()
// surface.
func toBackendRequest(req *conn.Request) *backend.Request {
	if req == nil {
		return nil
	}
	var c backend.Conn
	if req.Conn != nil {
		c = req.Conn
	}
	return &backend.Request{
		Tag:    req.Tag,
		Conn:   c,
		Fid:    req.Fid,
		Afid:   req.Afid,
		Newfid: req.Newfid,
		Ctx:    req.Ctx,
	}
}

// regularTeardown is installed as the fidpool.Teardown for every
// Regular-typed fid: it asks the backend to release whatever it holds for
// the fid, logging (not surfacing) a failure, since by the time teardown
// runs there is no Tclunk reply left to deliver.
func (s *Server) regularTeardown(c *conn.Conn) fidpool.Teardown {
	return func(f *fidpool.Fid) {
		br := &backend.Request{Conn: c, Fid: f}
		if _, err := s.be.Clunk(br, &proto.TclunkBody{Fid: f.ID}); err != nil {
			log.Debug("server: backend clunk teardown for fid %d: %v", f.ID, err)
		}
	}
}

func (s *Server) authTeardown() fidpool.Teardown {
	return func(f *fidpool.Fid) {
		s.be.Auth().AuthClunk(f)
	}
}

// handle runs the backend (or auth) operation for req.Tcall and always
// returns a reply Fcall: either the operation's success reply or an
// Rlerror.
func (s *Server) handle(req *conn.Request) *proto.Fcall {
	c := req.Conn
	tag := req.Tag
	tc := req.Tcall

	switch tc.Type {
	case proto.Tversion:
		return s.handleVersion(c, tag, tc.Tversion)
	case proto.Tauth:
		return s.handleAuth(c, tag, tc.Tauth)
	case proto.Tattach:
		return s.handleAttach(req, tc.Tattach)
	case proto.Twalk:
		return s.handleWalk(req, tc.Twalk)
	case proto.Topen:
		return s.handleOpen(req, tc.Topen)
	case proto.Tcreate:
		return s.handleCreate(req, tc.Tcreate)
	case proto.Tread:
		return s.handleRead(req, tc.Tread)
	case proto.Twrite:
		return s.handleWrite(req, tc.Twrite)
	case proto.Tclunk:
		return s.handleClunk(req, tc.Tclunk)
	case proto.Tremove:
		return s.handleRemove(req, tc.Tremove)
	case proto.Tstat:
		return s.handleStat(req, tc.Tstat)
	case proto.Twstat:
		return s.handleWstat(req, tc.Twstat)
	case proto.Tflush:
		return s.handleFlush(req, tc.Tflush)
	default:
		return proto.ENOSYS.ErrorFcall(tag)
	}
}

func errReply(err error, tag uint16) *proto.Fcall {
	if errno, ok := err.(proto.Errno); ok {
		return errno.ErrorFcall(tag)
	}
	return proto.EIO.ErrorFcall(tag)
}

func (s *Server) handleVersion(c *conn.Conn, tag uint16, t *proto.TversionBody) *proto.Fcall {
	br := &backend.Request{Tag: tag, Conn: c}
	reply, err := s.be.Version(br, t)
	if err != nil {
		return errReply(err, tag)
	}
	c.RenegotiateVersion(reply.Msize)
	return &proto.Fcall{Type: proto.Rversion, Tag: tag, Rversion: reply}
}

func (s *Server) handleAuth(c *conn.Conn, tag uint16, t *proto.TauthBody) *proto.Fcall {
	user := fidpool.User{Uname: t.Uname, Uid: t.Nuname}
	afid, err := c.FidPool().CreateFid(t.Afid, user, t.Aname, fidpool.Auth, s.authTeardown())
	if err != nil {
		return proto.EINVAL.ErrorFcall(tag)
	}

	switch s.be.Auth().StartAuth(afid, t.Aname) {
	case auth.NotRequired:
		_ = c.FidPool().DestroyFid(t.Afid)
		return proto.ECONNREFUSED.ErrorFcall(tag)
	default: // Proceed
		afid.Lock()
		qid := afid.Qid
		afid.Unlock()
		return &proto.Fcall{Type: proto.Rauth, Tag: tag, Rauth: &proto.RauthBody{Aqid: qid}}
	}
}

func (s *Server) handleAttach(req *conn.Request, t *proto.TattachBody) *proto.Fcall {
	c := req.Conn
	tag := req.Tag

	var afid *fidpool.Fid
	if t.Afid != proto.NOFID {
		var err error
		afid, err = c.FidPool().Lookup(t.Afid)
		if err != nil {
			return proto.EBADF.ErrorFcall(tag)
		}
	}

	user := fidpool.User{Uname: t.Uname, Uid: t.Nuname}
	fid, err := c.FidPool().CreateFid(t.Fid, user, t.Aname, fidpool.Regular, s.regularTeardown(c))
	if err != nil {
		return proto.EINVAL.ErrorFcall(tag)
	}

	if !s.be.Auth().CheckAuth(fid, afid, c) {
		_ = c.FidPool().DestroyFid(t.Fid)
		if s.met != nil {
			s.met.AuthFailuresTotal.Inc()
		}
		return proto.EPERM.ErrorFcall(tag)
	}

	req.Fid, req.Afid = fid, afid
	reply, err := s.be.Attach(toBackendRequest(req), t)
	if err != nil {
		_ = c.FidPool().DestroyFid(t.Fid)
		return errReply(err, tag)
	}
	return &proto.Fcall{Type: proto.Rattach, Tag: tag, Rattach: reply}
}

func (s *Server) handleWalk(req *conn.Request, t *proto.TwalkBody) *proto.Fcall {
	c := req.Conn
	tag := req.Tag

	fid, err := c.FidPool().Lookup(t.Fid)
	if err != nil {
		return proto.EBADF.ErrorFcall(tag)
	}

	newfid, err := c.FidPool().CreateFid(t.Newfid, fid.User, fid.Name, fidpool.Regular, s.regularTeardown(c))
	if err != nil {
		return proto.EINVAL.ErrorFcall(tag)
	}

	req.Fid, req.Newfid = fid, newfid
	reply, err := s.be.Walk(toBackendRequest(req), t)
	if err != nil {
		_ = c.FidPool().DestroyFid(t.Newfid)
		return errReply(err, tag)
	}
	return &proto.Fcall{Type: proto.Rwalk, Tag: tag, Rwalk: reply}
}

func (s *Server) handleOpen(req *conn.Request, t *proto.TopenBody) *proto.Fcall {
	fid, err := req.Conn.FidPool().Lookup(t.Fid)
	if err != nil {
		return proto.EBADF.ErrorFcall(req.Tag)
	}
	req.Fid = fid
	reply, err := s.be.Open(toBackendRequest(req), t)
	if err != nil {
		return errReply(err, req.Tag)
	}
	return &proto.Fcall{Type: proto.Ropen, Tag: req.Tag, Ropen: reply}
}

func (s *Server) handleCreate(req *conn.Request, t *proto.TcreateBody) *proto.Fcall {
	fid, err := req.Conn.FidPool().Lookup(t.Fid)
	if err != nil {
		return proto.EBADF.ErrorFcall(req.Tag)
	}
	req.Fid = fid
	reply, err := s.be.Create(toBackendRequest(req), t)
	if err != nil {
		return errReply(err, req.Tag)
	}
	return &proto.Fcall{Type: proto.Rcreate, Tag: req.Tag, Rcreate: reply}
}

func (s *Server) handleRead(req *conn.Request, t *proto.TreadBody) *proto.Fcall {
	fid, err := req.Conn.FidPool().Lookup(t.Fid)
	if err != nil {
		return proto.EBADF.ErrorFcall(req.Tag)
	}
	req.Fid = fid

	if fid.Type == fidpool.Auth {
		data, err := s.be.Auth().AuthRead(fid, t.Offset, t.Count)
		if err != nil {
			return errReply(err, req.Tag)
		}
		return &proto.Fcall{Type: proto.Rread, Tag: req.Tag, Rread: &proto.RreadBody{Data: data}}
	}

	reply, err := s.be.Read(toBackendRequest(req), t)
	if err != nil {
		return errReply(err, req.Tag)
	}
	return &proto.Fcall{Type: proto.Rread, Tag: req.Tag, Rread: reply}
}

func (s *Server) handleWrite(req *conn.Request, t *proto.TwriteBody) *proto.Fcall {
	fid, err := req.Conn.FidPool().Lookup(t.Fid)
	if err != nil {
		return proto.EBADF.ErrorFcall(req.Tag)
	}
	req.Fid = fid

	if fid.Type == fidpool.Auth {
		n, err := s.be.Auth().AuthWrite(fid, t.Offset, t.Data)
		if err != nil {
			return errReply(err, req.Tag)
		}
		return &proto.Fcall{Type: proto.Rwrite, Tag: req.Tag, Rwrite: &proto.RwriteBody{Count: n}}
	}

	reply, err := s.be.Write(toBackendRequest(req), t)
	if err != nil {
		return errReply(err, req.Tag)
	}
	return &proto.Fcall{Type: proto.Rwrite, Tag: req.Tag, Rwrite: reply}
}

func (s *Server) handleClunk(req *conn.Request, t *proto.TclunkBody) *proto.Fcall {
	if err := req.Conn.FidPool().DestroyFid(t.Fid); err != nil {
		return proto.EBADF.ErrorFcall(req.Tag)
	}
	return &proto.Fcall{Type: proto.Rclunk, Tag: req.Tag, Rclunk: &proto.RclunkBody{}}
}

func (s *Server) handleRemove(req *conn.Request, t *proto.TremoveBody) *proto.Fcall {
	fid, err := req.Conn.FidPool().Lookup(t.Fid)
	if err != nil {
		return proto.EBADF.ErrorFcall(req.Tag)
	}
	req.Fid = fid

	_, rmErr := s.be.Remove(toBackendRequest(req), t)
	_ = req.Conn.FidPool().DestroyFid(t.Fid) // Tremove always clunks the fid, success or not

	if rmErr != nil {
		return errReply(rmErr, req.Tag)
	}
	return &proto.Fcall{Type: proto.Rremove, Tag: req.Tag, Rremove: &proto.RremoveBody{}}
}

func (s *Server) handleStat(req *conn.Request, t *proto.TstatBody) *proto.Fcall {
	fid, err := req.Conn.FidPool().Lookup(t.Fid)
	if err != nil {
		return proto.EBADF.ErrorFcall(req.Tag)
	}
	req.Fid = fid
	reply, err := s.be.Stat(toBackendRequest(req), t)
	if err != nil {
		return errReply(err, req.Tag)
	}
	return &proto.Fcall{Type: proto.Rstat, Tag: req.Tag, Rstat: reply}
}

func (s *Server) handleWstat(req *conn.Request, t *proto.TwstatBody) *proto.Fcall {
	fid, err := req.Conn.FidPool().Lookup(t.Fid)
	if err != nil {
		return proto.EBADF.ErrorFcall(req.Tag)
	}
	req.Fid = fid
	reply, err := s.be.Wstat(toBackendRequest(req), t)
	if err != nil {
		return errReply(err, req.Tag)
	}
	return &proto.Fcall{Type: proto.Rwstat, Tag: req.Tag, Rwstat: reply}
}

// handleFlush cancels the request named by oldtag. A target still
// sitting on the pending queue is finished in-line with EINTR (nothing is
// running yet to interrupt); a target already dispatched to a worker is
// canceled and handed to the backend's Flush hook, which must arrange for
// it to complete on its own.
func (s *Server) handleFlush(req *conn.Request, t *proto.TflushBody) *proto.Fcall {
	c := req.Conn

	s.mu.Lock()
	cs, ok := s.conns[c]
	var target *conn.Request
	if ok {
		target = cs.active[t.Oldtag]
	}
	var finishNow bool
	if target != nil && target.State == conn.Pending {
		delete(cs.active, target.Tag)
		s.removePending(target)
		target.State = conn.Flushed
		finishNow = true
	}
	s.mu.Unlock()

	if s.met != nil {
		s.met.FlushesTotal.Inc()
		if finishNow {
			s.met.RequestsPending.Dec()
		}
	}

	if target != nil {
		target.Cancel()
		if finishNow {
			target.Rcall = proto.EINTR.ErrorFcall(target.Tag)
			target.Conn.Respond(target)
		} else {
			s.be.Flush(toBackendRequest(req), toBackendRequest(target))
		}
	}

	return &proto.Fcall{Type: proto.Rflush, Tag: req.Tag, Rflush: &proto.RflushBody{}}
}

// removePending removes target from the pending FIFO, if it is still
// there. Caller holds s.mu.
func (s *Server) removePending(target *conn.Request) {
	for el := s.pendingQ.Front(); el != nil; el = el.Next() {
		if el.Value.(*conn.Request) == target {
			s.pendingQ.Remove(el)
			return
		}
	}
}
