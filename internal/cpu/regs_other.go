//go:build !amd64 && !arm64

package cpu

// Architectures without a call-frame model only track pc, sp and fp.
const (
	NumRegs = 3

	RegPC = 0
	RegSP = 1
	RegFP = 2
	RegLR = -1

	PtrSize = 8
)
