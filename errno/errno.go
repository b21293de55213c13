// Package errno defines the flat POSIX-style error enumeration used as the
// return value of every fallible operation in the kernel core, mirroring
// biscuit's Err_t convention.
package errno

// Errno is a negative-friendly numeric error code. Callers typically return
// it directly rather than wrapping it in the standard error interface, the
// same convention biscuit's Err_t follows throughout vm/as.go.
type Errno int

// Zero means success.
const Zero Errno = 0

const (
	EPERM Errno = iota + 1
	ENOENT
	ESRCH
	EINTR
	EIO
	ENXIO
	E2BIG
	ENOEXEC
	EBADF
	ECHILD
	EAGAIN
	ENOMEM
	EACCES
	EFAULT
	ENOTBLK
	EBUSY
	EEXIST
	EXDEV
	ENODEV
	ENOTDIR
	EISDIR
	EINVAL
	ENFILE
	EMFILE
	ENOTTY
	ETXTBSY
	EFBIG
	ENOSPC
	ESPIPE
	EROFS
	EMLINK
	EPIPE
	ERANGE
	ENAMETOOLONG
	ENOSYS
	ENOTEMPTY
	ETIMEDOUT
	EILSEQ
	ENOHEAP
)

var names = map[Errno]string{
	EPERM:        "EPERM",
	ENOENT:       "ENOENT",
	ESRCH:        "ESRCH",
	EINTR:        "EINTR",
	EIO:          "EIO",
	ENXIO:        "ENXIO",
	E2BIG:        "E2BIG",
	ENOEXEC:      "ENOEXEC",
	EBADF:        "EBADF",
	ECHILD:       "ECHILD",
	EAGAIN:       "EAGAIN",
	ENOMEM:       "ENOMEM",
	EACCES:       "EACCES",
	EFAULT:       "EFAULT",
	ENOTBLK:      "ENOTBLK",
	EBUSY:        "EBUSY",
	EEXIST:       "EEXIST",
	EXDEV:        "EXDEV",
	ENODEV:       "ENODEV",
	ENOTDIR:      "ENOTDIR",
	EISDIR:       "EISDIR",
	EINVAL:       "EINVAL",
	ENFILE:       "ENFILE",
	EMFILE:       "EMFILE",
	ENOTTY:       "ENOTTY",
	ETXTBSY:      "ETXTBSY",
	EFBIG:        "EFBIG",
	ENOSPC:       "ENOSPC",
	ESPIPE:       "ESPIPE",
	EROFS:        "EROFS",
	EMLINK:       "EMLINK",
	EPIPE:        "EPIPE",
	ERANGE:       "ERANGE",
	ENAMETOOLONG: "ENAMETOOLONG",
	ENOSYS:       "ENOSYS",
	ENOTEMPTY:    "ENOTEMPTY",
	ETIMEDOUT:    "ETIMEDOUT",
	EILSEQ:       "EILSEQ",
	ENOHEAP:      "ENOHEAP",
}

// String implements fmt.Stringer so Errno values print as their symbolic
// name in logs instead of a bare integer.
func (e Errno) String() string {
	if e == Zero {
		return "OK"
	}
	if n, ok := names[e]; ok {
		return n
	}
	return "Errno(" + itoa(int(e)) + ")"
}

// Error implements the standard error interface so Errno can be returned
// from functions that need to interoperate with code expecting `error`,
// without forcing every internal callsite to alloc a wrapped error.
func (e Errno) Error() string {
	return e.String()
}

// Ok reports whether e represents success.
func (e Errno) Ok() bool {
	return e == Zero
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
