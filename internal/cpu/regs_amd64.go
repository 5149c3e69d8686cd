package cpu

// DWARF register numbers for x86-64. Column 16 is the return address column,
// which doubles as the program counter of the frame being described.
const (
	NumRegs = 17

	RegFP = 6  // rbp
	RegSP = 7  // rsp
	RegPC = 16 // rip

	// RegLR is -1 on architectures that keep the return address on the stack.
	RegLR = -1

	PtrSize = 8
)
