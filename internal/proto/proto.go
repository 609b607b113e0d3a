// Package proto implements the wire types and codec for the subset of
// 9P2000.L messages the daemon dispatches: the base 9P2000 layout (QID
// shape, FID/Tag sizing, little-endian ordering) extended with the .L
// additions — numeric Rlerror instead of string Rerror, Tauth with
// n_uname, and the auth-fid write/read pair.
package proto

import "fmt"

// MType is the one-byte 9P message type tag.
type MType uint8

const (
	Tversion MType = 100 + iota
	Rversion
	Tauth
	Rauth
	Tattach
	Rattach
	_ // Terror/Rerror (9P2000) not used on the wire in .L; numbers reserved
	_
	Tflush
	Rflush
	Twalk
	Rwalk
	Topen
	Ropen
	Tcreate
	Rcreate
	Tread
	Rread
	Twrite
	Rwrite
	Tclunk
	Rclunk
	Tremove
	Rremove
	Tstat
	Rstat
	Twstat
	Rwstat
	Tlast
)

// Rlerror is carried as its own type number, appended after the legacy
// 9P2000 range to avoid colliding with it.
const Rlerror MType = Tlast + 1

var names = map[MType]string{
	Tversion: "Tversion", Rversion: "Rversion",
	Tauth: "Tauth", Rauth: "Rauth",
	Tattach: "Tattach", Rattach: "Rattach",
	Tflush: "Tflush", Rflush: "Rflush",
	Twalk: "Twalk", Rwalk: "Rwalk",
	Topen: "Topen", Ropen: "Ropen",
	Tcreate: "Tcreate", Rcreate: "Rcreate",
	Tread: "Tread", Rread: "Rread",
	Twrite: "Twrite", Rwrite: "Rwrite",
	Tclunk: "Tclunk", Rclunk: "Rclunk",
	Tremove: "Tremove", Rremove: "Rremove",
	Tstat: "Tstat", Rstat: "Rstat",
	Twstat: "Twstat", Rwstat: "Rwstat",
	Rlerror: "Rlerror",
}

func (t MType) String() string {
	if n, ok := names[t]; ok {
		return n
	}
	return fmt.Sprintf("MType(%d)", uint8(t))
}

const (
	// NOTAG marks a Tversion request, which precedes tag negotiation.
	NOTAG uint16 = 0xFFFF
	// NOFID marks the absence of an afid in Tattach.
	NOFID uint32 = 0xFFFFFFFF

	headerLen = 4 + 1 + 2 // size[4] type[1] tag[2]
)

// DebugFlag is the connection/server debuglevel bitmask, shared between
// internal/conn and internal/server so neither package has to import the
// other just to test a trace bit.
type DebugFlag uint32

const (
	// TraceP9 enables a pretty-printed line per decoded/encoded Fcall.
	TraceP9 DebugFlag = 1 << iota
	// TraceAuth marks tracing of the afid handshake. internal/config sets
	// it together with TraceP9; no code in this module reads it, so it
	// produces no output of its own.
	TraceAuth
)

func (d DebugFlag) Has(bit DebugFlag) bool { return d&bit != 0 }

// QID types, reused from the base 9P2000 stub set.
const (
	QTDIR  = 0x80
	QTAUTH = 0x08
	QTFILE = 0x00
)

// QID is the 13-byte on-the-wire identity of a filesystem object.
type QID struct {
	Type    uint8
	Version uint32
	Path    uint64
}

// AuthQID is the fixed QID the auth handshake uses for an auth-fid:
// type=auth, version=0, path=0.
var AuthQID = QID{Type: QTAUTH}

// Fcall is a decoded 9P message: the tag plus exactly one populated body.
type Fcall struct {
	Type MType
	Tag  uint16

	Tversion *TversionBody
	Rversion *RversionBody
	Tauth    *TauthBody
	Rauth    *RauthBody
	Tattach  *TattachBody
	Rattach  *RattachBody
	Tflush   *TflushBody
	Rflush   *RflushBody
	Twalk    *TwalkBody
	Rwalk    *RwalkBody
	Topen    *TopenBody
	Ropen    *RopenBody
	Tcreate  *TcreateBody
	Rcreate  *RcreateBody
	Tread    *TreadBody
	Rread    *RreadBody
	Twrite   *TwriteBody
	Rwrite   *RwriteBody
	Tclunk   *TclunkBody
	Rclunk   *RclunkBody
	Tremove  *TremoveBody
	Rremove  *RremoveBody
	Tstat    *TstatBody
	Rstat    *RstatBody
	Twstat   *TwstatBody
	Rwstat   *RwstatBody
	Rlerror  *RlerrorBody
}

type TversionBody struct {
	Msize   uint32
	Version string
}
type RversionBody struct {
	Msize   uint32
	Version string
}
type TauthBody struct {
	Afid    uint32
	Uname   string
	Aname   string
	Nuname  uint32
}
type RauthBody struct {
	Aqid QID
}
type TattachBody struct {
	Fid    uint32
	Afid   uint32
	Uname  string
	Aname  string
	Nuname uint32
}
type RattachBody struct {
	Qid QID
}
type TflushBody struct {
	Oldtag uint16
}
type RflushBody struct{}

type TwalkBody struct {
	Fid    uint32
	Newfid uint32
	Wname  []string
}
type RwalkBody struct {
	Wqid []QID
}
type TopenBody struct {
	Fid  uint32
	Mode uint8
}
type RopenBody struct {
	Qid    QID
	Iounit uint32
}
type TcreateBody struct {
	Fid  uint32
	Name string
	Perm uint32
	Mode uint8
}
type RcreateBody struct {
	Qid    QID
	Iounit uint32
}
type TreadBody struct {
	Fid    uint32
	Offset uint64
	Count  uint32
}
type RreadBody struct {
	Data []byte
}
type TwriteBody struct {
	Fid    uint32
	Offset uint64
	Data   []byte
}
type RwriteBody struct {
	Count uint32
}
type TclunkBody struct {
	Fid uint32
}
type RclunkBody struct{}

type TremoveBody struct {
	Fid uint32
}
type RremoveBody struct{}

type TstatBody struct {
	Fid uint32
}
type RstatBody struct {
	Stat []byte
}
type TwstatBody struct {
	Fid  uint32
	Stat []byte
}
type RwstatBody struct{}

type RlerrorBody struct {
	Ecode uint32
}

// String implements a trace-friendly pretty-printer, used when debuglevel
// has the TraceP9 bit set.
func (f *Fcall) String() string {
	base := fmt.Sprintf("%s tag=%d", f.Type, f.Tag)
	switch f.Type {
	case Tversion:
		return fmt.Sprintf("%s msize=%d version=%q", base, f.Tversion.Msize, f.Tversion.Version)
	case Rversion:
		return fmt.Sprintf("%s msize=%d version=%q", base, f.Rversion.Msize, f.Rversion.Version)
	case Tauth:
		return fmt.Sprintf("%s afid=%d uname=%q aname=%q n_uname=%d", base, f.Tauth.Afid, f.Tauth.Uname, f.Tauth.Aname, f.Tauth.Nuname)
	case Rauth:
		return fmt.Sprintf("%s aqid=%+v", base, f.Rauth.Aqid)
	case Tattach:
		return fmt.Sprintf("%s fid=%d afid=%d uname=%q aname=%q n_uname=%d", base, f.Tattach.Fid, f.Tattach.Afid, f.Tattach.Uname, f.Tattach.Aname, f.Tattach.Nuname)
	case Rattach:
		return fmt.Sprintf("%s qid=%+v", base, f.Rattach.Qid)
	case Tflush:
		return fmt.Sprintf("%s oldtag=%d", base, f.Tflush.Oldtag)
	case Tclunk:
		return fmt.Sprintf("%s fid=%d", base, f.Tclunk.Fid)
	case Twrite:
		return fmt.Sprintf("%s fid=%d offset=%d count=%d", base, f.Twrite.Fid, f.Twrite.Offset, len(f.Twrite.Data))
	case Rwrite:
		return fmt.Sprintf("%s count=%d", base, f.Rwrite.Count)
	case Rlerror:
		return fmt.Sprintf("%s ecode=%d", base, f.Rlerror.Ecode)
	default:
		return base
	}
}
