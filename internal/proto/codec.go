package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DecodeErr is returned by Decode for any malformed frame; the caller
// treats it as fatal to the connection.
type DecodeErr struct {
	Reason string
}

func (e *DecodeErr) Error() string { return "proto: decode: " + e.Reason }

func decodeErr(format string, args ...interface{}) error {
	return &DecodeErr{Reason: fmt.Sprintf(format, args...)}
}

// PeekSize returns the little-endian size prefix of a frame, or 0 if fewer
// than 4 bytes are buffered.
func PeekSize(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) fail(format string, args ...interface{}) {
	if r.err == nil {
		r.err = decodeErr(format, args...)
	}
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.b) {
		r.fail("short buffer: need %d more bytes at offset %d, have %d", n, r.off, len(r.b))
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v
}

// maxFieldLen bounds a single string/bytes field so a corrupt or hostile
// length prefix cannot force an enormous allocation.
const maxFieldLen = 16 * 1024 * 1024

func (r *reader) bytes() []byte {
	n := r.u16()
	if r.err != nil {
		return nil
	}
	if int(n) > maxFieldLen {
		r.fail("field length %d exceeds maximum %d", n, maxFieldLen)
		return nil
	}
	if !r.need(int(n)) {
		return nil
	}
	v := make([]byte, n)
	copy(v, r.b[r.off:r.off+int(n)])
	r.off += int(n)
	return v
}

func (r *reader) str() string {
	return string(r.bytes())
}

func (r *reader) qid() QID {
	return QID{Type: r.u8(), Version: r.u32(), Path: r.u64()}
}

func (r *reader) blob32() []byte {
	n := r.u32()
	if r.err != nil {
		return nil
	}
	if int(n) > maxFieldLen {
		r.fail("data length %d exceeds maximum %d", n, maxFieldLen)
		return nil
	}
	if !r.need(int(n)) {
		return nil
	}
	v := make([]byte, n)
	copy(v, r.b[r.off:r.off+int(n)])
	r.off += int(n)
	return v
}

// Decode parses a single frame (including its 4-byte size prefix) into an
// Fcall. It fails on prefix/length disagreement, an unknown type, or a
// truncated string/array field.
func Decode(buf []byte) (*Fcall, error) {
	if len(buf) < headerLen {
		return nil, decodeErr("frame shorter than header (%d bytes)", len(buf))
	}
	size := binary.LittleEndian.Uint32(buf)
	if int(size) != len(buf) {
		return nil, decodeErr("size prefix %d disagrees with buffer length %d", size, len(buf))
	}

	r := &reader{b: buf, off: 4}
	mtype := MType(r.u8())
	tag := r.u16()
	if r.err != nil {
		return nil, r.err
	}

	f := &Fcall{Type: mtype, Tag: tag}

	switch mtype {
	case Tversion:
		f.Tversion = &TversionBody{Msize: r.u32(), Version: r.str()}
	case Rversion:
		f.Rversion = &RversionBody{Msize: r.u32(), Version: r.str()}
	case Tauth:
		f.Tauth = &TauthBody{Afid: r.u32(), Uname: r.str(), Aname: r.str(), Nuname: r.u32()}
	case Rauth:
		f.Rauth = &RauthBody{Aqid: r.qid()}
	case Tattach:
		f.Tattach = &TattachBody{Fid: r.u32(), Afid: r.u32(), Uname: r.str(), Aname: r.str(), Nuname: r.u32()}
	case Rattach:
		f.Rattach = &RattachBody{Qid: r.qid()}
	case Tflush:
		f.Tflush = &TflushBody{Oldtag: r.u16()}
	case Rflush:
		f.Rflush = &RflushBody{}
	case Twalk:
		fid := r.u32()
		newfid := r.u32()
		n := r.u16()
		if r.err != nil {
			return nil, r.err
		}
		var names []string
		if n > 0 {
			names = make([]string, 0, n)
		}
		for i := uint16(0); i < n; i++ {
			names = append(names, r.str())
		}
		f.Twalk = &TwalkBody{Fid: fid, Newfid: newfid, Wname: names}
	case Rwalk:
		n := r.u16()
		if r.err != nil {
			return nil, r.err
		}
		qids := make([]QID, 0, n)
		for i := uint16(0); i < n; i++ {
			qids = append(qids, r.qid())
		}
		f.Rwalk = &RwalkBody{Wqid: qids}
	case Topen:
		f.Topen = &TopenBody{Fid: r.u32(), Mode: r.u8()}
	case Ropen:
		f.Ropen = &RopenBody{Qid: r.qid(), Iounit: r.u32()}
	case Tcreate:
		f.Tcreate = &TcreateBody{Fid: r.u32(), Name: r.str(), Perm: r.u32(), Mode: r.u8()}
	case Rcreate:
		f.Rcreate = &RcreateBody{Qid: r.qid(), Iounit: r.u32()}
	case Tread:
		f.Tread = &TreadBody{Fid: r.u32(), Offset: r.u64(), Count: r.u32()}
	case Rread:
		f.Rread = &RreadBody{Data: r.blob32()}
	case Twrite:
		fid := r.u32()
		off := r.u64()
		data := r.blob32()
		f.Twrite = &TwriteBody{Fid: fid, Offset: off, Data: data}
	case Rwrite:
		f.Rwrite = &RwriteBody{Count: r.u32()}
	case Tclunk:
		f.Tclunk = &TclunkBody{Fid: r.u32()}
	case Rclunk:
		f.Rclunk = &RclunkBody{}
	case Tremove:
		f.Tremove = &TremoveBody{Fid: r.u32()}
	case Rremove:
		f.Rremove = &RremoveBody{}
	case Tstat:
		f.Tstat = &TstatBody{Fid: r.u32()}
	case Rstat:
		f.Rstat = &RstatBody{Stat: r.bytes()}
	case Twstat:
		fid := r.u32()
		stat := r.bytes()
		f.Twstat = &TwstatBody{Fid: fid, Stat: stat}
	case Rwstat:
		f.Rwstat = &RwstatBody{}
	case Rlerror:
		f.Rlerror = &RlerrorBody{Ecode: r.u32()}
	default:
		return nil, decodeErr("unknown message type %d", mtype)
	}

	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(buf) {
		return nil, decodeErr("trailing garbage: consumed %d of %d bytes", r.off, len(buf))
	}
	return f, nil
}

type writer struct {
	b []byte
}

func (w *writer) u8(v uint8)   { w.b = append(w.b, v) }
func (w *writer) u16(v uint16) { w.b = append(w.b, 0, 0); binary.LittleEndian.PutUint16(w.b[len(w.b)-2:], v) }
func (w *writer) u32(v uint32) { w.b = append(w.b, 0, 0, 0, 0); binary.LittleEndian.PutUint32(w.b[len(w.b)-4:], v) }
func (w *writer) u64(v uint64) {
	w.b = append(w.b, 0, 0, 0, 0, 0, 0, 0, 0)
	binary.LittleEndian.PutUint64(w.b[len(w.b)-8:], v)
}

func (w *writer) str(s string) {
	if len(s) > 0xFFFF {
		s = s[:0xFFFF]
	}
	w.u16(uint16(len(s)))
	w.b = append(w.b, s...)
}

func (w *writer) bytes(p []byte) {
	if len(p) > 0xFFFF {
		p = p[:0xFFFF]
	}
	w.u16(uint16(len(p)))
	w.b = append(w.b, p...)
}

func (w *writer) blob32(p []byte) {
	w.u32(uint32(len(p)))
	w.b = append(w.b, p...)
}

func (w *writer) qid(q QID) {
	w.u8(q.Type)
	w.u32(q.Version)
	w.u64(q.Path)
}

// Encode serializes f into buf (any existing contents are discarded) and
// returns the total frame length, including the size prefix it writes.
func Encode(f *Fcall, buf *[]byte) (uint32, error) {
	w := &writer{b: make([]byte, headerLen)}

	switch f.Type {
	case Tversion:
		w.u32(f.Tversion.Msize)
		w.str(f.Tversion.Version)
	case Rversion:
		w.u32(f.Rversion.Msize)
		w.str(f.Rversion.Version)
	case Tauth:
		w.u32(f.Tauth.Afid)
		w.str(f.Tauth.Uname)
		w.str(f.Tauth.Aname)
		w.u32(f.Tauth.Nuname)
	case Rauth:
		w.qid(f.Rauth.Aqid)
	case Tattach:
		w.u32(f.Tattach.Fid)
		w.u32(f.Tattach.Afid)
		w.str(f.Tattach.Uname)
		w.str(f.Tattach.Aname)
		w.u32(f.Tattach.Nuname)
	case Rattach:
		w.qid(f.Rattach.Qid)
	case Tflush:
		w.u16(f.Tflush.Oldtag)
	case Rflush:
	case Twalk:
		w.u32(f.Twalk.Fid)
		w.u32(f.Twalk.Newfid)
		w.u16(uint16(len(f.Twalk.Wname)))
		for _, n := range f.Twalk.Wname {
			w.str(n)
		}
	case Rwalk:
		w.u16(uint16(len(f.Rwalk.Wqid)))
		for _, q := range f.Rwalk.Wqid {
			w.qid(q)
		}
	case Topen:
		w.u32(f.Topen.Fid)
		w.u8(f.Topen.Mode)
	case Ropen:
		w.qid(f.Ropen.Qid)
		w.u32(f.Ropen.Iounit)
	case Tcreate:
		w.u32(f.Tcreate.Fid)
		w.str(f.Tcreate.Name)
		w.u32(f.Tcreate.Perm)
		w.u8(f.Tcreate.Mode)
	case Rcreate:
		w.qid(f.Rcreate.Qid)
		w.u32(f.Rcreate.Iounit)
	case Tread:
		w.u32(f.Tread.Fid)
		w.u64(f.Tread.Offset)
		w.u32(f.Tread.Count)
	case Rread:
		w.blob32(f.Rread.Data)
	case Twrite:
		w.u32(f.Twrite.Fid)
		w.u64(f.Twrite.Offset)
		w.blob32(f.Twrite.Data)
	case Rwrite:
		w.u32(f.Rwrite.Count)
	case Tclunk:
		w.u32(f.Tclunk.Fid)
	case Rclunk:
	case Tremove:
		w.u32(f.Tremove.Fid)
	case Rremove:
	case Tstat:
		w.u32(f.Tstat.Fid)
	case Rstat:
		w.bytes(f.Rstat.Stat)
	case Twstat:
		w.u32(f.Twstat.Fid)
		w.bytes(f.Twstat.Stat)
	case Rwstat:
	case Rlerror:
		w.u32(f.Rlerror.Ecode)
	default:
		return 0, errors.New("proto: encode: unknown message type")
	}

	binary.LittleEndian.PutUint32(w.b, uint32(len(w.b)))
	w.b[4] = uint8(f.Type)
	binary.LittleEndian.PutUint16(w.b[5:], f.Tag)

	*buf = w.b
	return uint32(len(w.b)), nil
}
