package memory

import "mizu/errno"

// Backend is the byte-addressed I/O interface a file-backed Phys reads
// from and writes to, matching spec.md §6's "Phys backend contract". It
// has the same ReadAt/WriteAt/Flush methods as blockdev.Device but reports
// length through StreamLen instead of Len, so a blockdev.Device does not
// satisfy it.
type Backend interface {
	ReadAt(offset int64, p []byte) (n int, err errno.Errno)
	WriteAt(offset int64, p []byte) (n int, err errno.Errno)
	Flush() errno.Errno
	StreamLen() (int64, errno.Errno)
}
