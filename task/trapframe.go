package task

// TrapFrame is the register snapshot handed to (and restored from) user
// mode, a reduced RISC-V analogue of co_trap::TrapFrame covering exactly
// the fields spec.md §4.3 populates at stack-build and clone time.
type TrapFrame struct {
	// Gpr holds general-purpose registers x0..x31 in RISC-V numbering;
	// only sp(2), gp(3), tp(4), and a0..a7(10..17) are meaningful here.
	Gpr     [32]uint64
	Sepc    uint64
	Sstatus uint64
}

const (
	regSP = 2
	regGP = 3
	regTP = 4
	regA0 = 10
)

// sstatus bits set by a freshly populated trap frame, per spec.md §4.3:
// SPIE set, SUM set, FS=Initial, SPP=User (cleared).
const (
	sstatusSPIE     = 1 << 5
	sstatusFSInit   = 1 << 13
	sstatusSUM      = 1 << 18
	sstatusSPPField = 1 << 8
)

// SP, GP, TP, A0 read the corresponding general-purpose register.
func (tf *TrapFrame) SP() uint64 { return tf.Gpr[regSP] }
func (tf *TrapFrame) GP() uint64 { return tf.Gpr[regGP] }
func (tf *TrapFrame) TP() uint64 { return tf.Gpr[regTP] }
func (tf *TrapFrame) A0() uint64 { return tf.Gpr[regA0] }

// SetSP, SetTP, SetA0 write the corresponding general-purpose register.
func (tf *TrapFrame) SetSP(v uint64) { tf.Gpr[regSP] = v }
func (tf *TrapFrame) SetTP(v uint64) { tf.Gpr[regTP] = v }
func (tf *TrapFrame) SetA0(v uint64) { tf.Gpr[regA0] = v }

// SetSyscallRet overwrites the register a syscall return value lands in
// (a0), used by clone's child trap frame to force a 0 return.
func (tf *TrapFrame) SetSyscallRet(v uint64) { tf.Gpr[regA0] = v }

// NewTrapFrame populates a trap frame for entry into a freshly loaded
// executable: sp at the populated stack top, gp and sepc at entry, a0 set
// to arg, and sstatus configured per spec.md §4.3.
func NewTrapFrame(entry, sp uint64, arg uint64) *TrapFrame {
	tf := &TrapFrame{Sepc: entry}
	tf.Gpr[regSP] = sp
	tf.Gpr[regGP] = entry
	tf.Gpr[regA0] = arg
	tf.Sstatus = (sstatusSPIE | sstatusSUM | sstatusFSInit) &^ sstatusSPPField
	return tf
}
