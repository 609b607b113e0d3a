package proto

import "strconv"

// Errno is a POSIX error number as carried by Rlerror. The core never
// returns bare strings to the wire; every per-request failure is one of
// these.
type Errno uint32

const (
	EPERM        Errno = 1
	ENOENT       Errno = 2
	EINTR        Errno = 4
	EIO          Errno = 5
	EBADF        Errno = 9
	ENOMEM       Errno = 12
	EACCES       Errno = 13
	EEXIST       Errno = 17
	EINVAL       Errno = 22
	ENOSYS       Errno = 38
	EPROTO       Errno = 71
	ECONNREFUSED Errno = 111
)

var errnoText = map[Errno]string{
	EPERM:        "operation not permitted",
	ENOENT:       "no such file or directory",
	EIO:          "I/O error",
	EBADF:        "bad file descriptor",
	ENOMEM:       "out of memory",
	EACCES:       "permission denied",
	EEXIST:       "file exists",
	EINVAL:       "invalid argument",
	ENOSYS:       "function not implemented",
	EINTR:        "interrupted",
	EPROTO:       "protocol error",
	ECONNREFUSED: "connection refused",
}

func (e Errno) Error() string {
	if s, ok := errnoText[e]; ok {
		return s
	}
	return "errno " + strconv.Itoa(int(e))
}

// ErrorFcall builds the Rlerror wire reply for this errno under the given tag.
func (e Errno) ErrorFcall(tag uint16) *Fcall {
	return &Fcall{Type: Rlerror, Tag: tag, Rlerror: &RlerrorBody{Ecode: uint32(e)}}
}
