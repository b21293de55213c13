package sdmmc

// Regs is the software register bank standing in for reg.rs's SdmmcRegs
// volatile MMIO window: Go has no portable way to express a live hardware
// register, the same reason vm's page-table stand-in is an in-process map
// rather than a real walked page table (see DESIGN.md). Only the fields
// Inner's scope (InitBus/SendCmd/AckInterrupt and their sub-algorithms)
// actually reads or writes are carried; the remaining SdmmcRegs fields
// (wakeup_control, block_gap_control, max_current_capabilities, force_event,
// ...) have no caller in this driver's scope and are omitted rather than
// reproduced unused.
type Regs struct {
	Argument   uint32
	Command    uint32
	Resp       [4]uint32
	BlockSize  uint32
	BlockCount uint32

	TransferMode TransferMode

	PresentState PresentState
	HostControl1 HostControl1
	HostControl2 HostControl2
	PowerControl PowerControl
	ClockControl ClockControl

	SoftwareReset SoftwareReset

	IntrStatus         Interrupt
	IntrStatusEnable   Interrupt
	IntrSignalEnable   Interrupt
	AutoCmdErrorStatus uint8

	AdmaSystemAddress uint64
	admaDescriptors   []byte
	AdmaErrorStatus   AdmaErrorStatus

	caps Capabilities

	clockSettleCalls int
}

// NewRegs builds a register bank reporting caps as its Capabilities
// register value and a card present, the state a freshly-probed controller
// with a card already inserted would read.
func NewRegs(caps Capabilities) *Regs {
	return &Regs{
		caps:         caps,
		PresentState: StateCardInserted,
	}
}

// ReadCapabilities returns the register bank's fixed Capabilities value,
// reg.rs's 64-bit Capabilities register read.
func (r *Regs) ReadCapabilities() Capabilities { return r.caps }

// settleClock simulates the internal clock becoming stable a fixed number
// of polls after being enabled, since there is no real oscillator to wait
// on. InitBus spins on ClockControl's stable bit exactly as imp.rs does.
func (r *Regs) settleClock() {
	r.clockSettleCalls++
	if r.clockSettleCalls >= 1 {
		r.ClockControl |= clockInternalStable
	}
}

// AdmaDescriptors exposes the last descriptor chain DMA'd through
// ADMA_SYSTEM_ADDRESS, for tests asserting on the encoded bytes.
func (r *Regs) AdmaDescriptors() []byte { return r.admaDescriptors }
