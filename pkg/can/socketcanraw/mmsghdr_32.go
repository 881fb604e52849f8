//go:build 386 || arm || mips || mipsle || ppc

package socketcanraw

import "golang.org/x/sys/unix"

// Mmsghdr mirrors the C struct mmsghdr, which golang.org/x/sys/unix does
// not expose directly.
type Mmsghdr struct {
	Hdr unix.Msghdr
	Len uint32
}
