//go:build amd64 || arm64 || mips64 || mips64le || ppc64 || ppc64le || riscv64 || s390x

package socketcanraw

import (
	"golang.org/x/sys/unix"
)

// Mmsghdr mirrors the C struct mmsghdr, which golang.org/x/sys/unix does
// not expose directly.
// Hdr = 56 bytes, Len = 4 bytes, 4 bytes padding to reach 64 bit alignment.
type Mmsghdr struct {
	Hdr unix.Msghdr
	Len uint32
	pad [4]byte
}
