//go:build linux && amd64

package recorder

import (
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"
)

// memOperandAddress computes the effective address of a memory operand
// from a live register context. nextRIP is the address of the following
// instruction, which is what RIP-relative addressing is computed
// against. Returns false if the operand uses a register the context
// does not carry.
func memOperandAddress(m x86asm.Mem, regs *unix.PtraceRegs, nextRIP uint64) (uintptr, bool) {
	addr := uint64(m.Disp)

	if m.Base != 0 {
		base, ok := regValue(m.Base, regs, nextRIP)
		if !ok {
			return 0, false
		}
		addr += base
	}
	if m.Index != 0 {
		index, ok := regValue(m.Index, regs, nextRIP)
		if !ok {
			return 0, false
		}
		addr += index * uint64(m.Scale)
	}

	return uintptr(addr), true
}

// regValue reads one general-purpose register out of a ptrace register
// dump. 32-bit register names appear as bases under the address-size
// override prefix and read as the truncated 64-bit value.
func regValue(reg x86asm.Reg, regs *unix.PtraceRegs, nextRIP uint64) (uint64, bool) {
	switch reg {
	case x86asm.RAX:
		return regs.Rax, true
	case x86asm.RCX:
		return regs.Rcx, true
	case x86asm.RDX:
		return regs.Rdx, true
	case x86asm.RBX:
		return regs.Rbx, true
	case x86asm.RSP:
		return regs.Rsp, true
	case x86asm.RBP:
		return regs.Rbp, true
	case x86asm.RSI:
		return regs.Rsi, true
	case x86asm.RDI:
		return regs.Rdi, true
	case x86asm.R8:
		return regs.R8, true
	case x86asm.R9:
		return regs.R9, true
	case x86asm.R10:
		return regs.R10, true
	case x86asm.R11:
		return regs.R11, true
	case x86asm.R12:
		return regs.R12, true
	case x86asm.R13:
		return regs.R13, true
	case x86asm.R14:
		return regs.R14, true
	case x86asm.R15:
		return regs.R15, true
	case x86asm.RIP:
		return nextRIP, true
	case x86asm.EAX:
		return regs.Rax & 0xffffffff, true
	case x86asm.ECX:
		return regs.Rcx & 0xffffffff, true
	case x86asm.EDX:
		return regs.Rdx & 0xffffffff, true
	case x86asm.EBX:
		return regs.Rbx & 0xffffffff, true
	case x86asm.ESP:
		return regs.Rsp & 0xffffffff, true
	case x86asm.EBP:
		return regs.Rbp & 0xffffffff, true
	case x86asm.ESI:
		return regs.Rsi & 0xffffffff, true
	case x86asm.EDI:
		return regs.Rdi & 0xffffffff, true
	}
	return 0, false
}
