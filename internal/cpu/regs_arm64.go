package cpu

// DWARF register numbers for AArch64.
const (
	NumRegs = 34

	RegFP = 29 // x29
	RegLR = 30 // x30
	RegSP = 31
	RegPC = 32

	PtrSize = 8
)
