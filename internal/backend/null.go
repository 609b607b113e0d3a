package backend

import (
	"github.com/sandia-hpc/diod9p/internal/auth"
	"github.com/sandia-hpc/diod9p/internal/fidpool"
	"github.com/sandia-hpc/diod9p/internal/proto"
)

// Null is a minimal reference Backend: a single-file namespace ("the
// root") with no children, no real storage, and whatever credential
// verifier it is built with. It exists so the connection runtime can be
// exercised and demoed end-to-end (cmd/diod9pd's default mode, and
// internal/server's integration tests) without a real exported tree.
type Null struct {
	authRequired bool
	verifier     auth.Verifier
}

var rootQID = proto.QID{Type: proto.QTDIR, Version: 0, Path: 1}

// NewNull builds a Null backend. verifier is consulted by the auth
// handshake; pass a nil verifier only when authRequired is false.
func NewNull(authRequired bool, verifier auth.Verifier) *Null {
	return &Null{authRequired: authRequired, verifier: verifier}
}

func (n *Null) Auth() AuthProvider { return (*nullAuth)(n) }

type nullAuth Null

func (a *nullAuth) StartAuth(afid *fidpool.Fid, aname string) auth.Result {
	return auth.StartAuth(afid, a.authRequired, a.verifier)
}

func (a *nullAuth) AuthWrite(afid *fidpool.Fid, offset uint64, data []byte) (uint32, error) {
	return auth.Write(afid, offset, data)
}

func (a *nullAuth) AuthRead(afid *fidpool.Fid, offset uint64, count uint32) ([]byte, error) {
	return auth.Read(afid, offset, count)
}

func (a *nullAuth) CheckAuth(fid, afid *fidpool.Fid, conn Conn) bool {
	return auth.CheckAuth(fid, afid, a.authRequired, conn)
}

func (a *nullAuth) AuthClunk(afid *fidpool.Fid) {
	auth.Clunk(afid)
}

func (n *Null) Version(req *Request, t *proto.TversionBody) (*proto.RversionBody, error) {
	return &proto.RversionBody{Msize: t.Msize, Version: t.Version}, nil
}

func (n *Null) Attach(req *Request, t *proto.TattachBody) (*proto.RattachBody, error) {
	req.Fid.Lock()
	req.Fid.Qid = rootQID
	req.Fid.Unlock()
	return &proto.RattachBody{Qid: rootQID}, nil
}

func (n *Null) Walk(req *Request, t *proto.TwalkBody) (*proto.RwalkBody, error) {
	if len(t.Wname) > 0 {
		// Null exports no children: any walk below the root fails.
		return nil, proto.ENOENT
	}
	req.Newfid.Lock()
	req.Newfid.Qid = rootQID
	req.Newfid.Unlock()
	return &proto.RwalkBody{Wqid: nil}, nil
}

func (n *Null) Open(req *Request, t *proto.TopenBody) (*proto.RopenBody, error) {
	req.Fid.Lock()
	m := t.Mode
	req.Fid.OpenMode = &m
	q := req.Fid.Qid
	req.Fid.Unlock()
	return &proto.RopenBody{Qid: q, Iounit: 0}, nil
}

func (n *Null) Create(req *Request, t *proto.TcreateBody) (*proto.RcreateBody, error) {
	return nil, proto.EPERM // Null is a read-only single-file namespace
}

func (n *Null) Read(req *Request, t *proto.TreadBody) (*proto.RreadBody, error) {
	if t.Offset != 0 {
		return &proto.RreadBody{Data: nil}, nil
	}
	return &proto.RreadBody{Data: []byte("diod9p\n")}, nil
}

func (n *Null) Write(req *Request, t *proto.TwriteBody) (*proto.RwriteBody, error) {
	return nil, proto.EPERM
}

func (n *Null) Clunk(req *Request, t *proto.TclunkBody) (*proto.RclunkBody, error) {
	return &proto.RclunkBody{}, nil
}

func (n *Null) Remove(req *Request, t *proto.TremoveBody) (*proto.RremoveBody, error) {
	return nil, proto.EPERM
}

func (n *Null) Stat(req *Request, t *proto.TstatBody) (*proto.RstatBody, error) {
	return &proto.RstatBody{Stat: nil}, nil
}

func (n *Null) Wstat(req *Request, t *proto.TwstatBody) (*proto.RwstatBody, error) {
	return nil, proto.EPERM
}

func (n *Null) Flush(req *Request, target *Request) {
	// Null never blocks a request, so there is nothing in flight to
	// interrupt; the server's flush hook will have already observed the
	// target complete by the time Flush would matter.
}

func (n *Null) ConnectionClosed(conn Conn) {}
