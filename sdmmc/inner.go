package sdmmc

import (
	"context"
	"sync"

	"mizu/errno"
)

// waker is a rearmable broadcast: Wait blocks until the next Wake after it
// started waiting. Generalizes task.EventChannel's single-fire broadcast
// (close a channel, replace it) to the repeated idle/finished signaling
// imp.rs's ksync Waker pairs provide, since an inhibit state or completion
// slot here can clear and refill many times over a controller's lifetime.
type waker struct {
	mu sync.Mutex
	ch chan struct{}
}

func newWaker() *waker { return &waker{ch: make(chan struct{})} }

func (w *waker) wait(ctx context.Context) errno.Errno {
	w.mu.Lock()
	ch := w.ch
	w.mu.Unlock()
	select {
	case <-ch:
		return errno.Zero
	case <-ctx.Done():
		return errno.EINTR
	}
}

func (w *waker) wake() {
	w.mu.Lock()
	defer w.mu.Unlock()
	close(w.ch)
	w.ch = make(chan struct{})
}

// workingCmd mirrors imp.rs's WorkingCmd: the command currently in flight
// on the command pipeline, kept so ack_cmd_intr knows how to reshape its
// response once CMD_COMPLETE fires.
type workingCmd struct {
	index   uint8
	resp    RespType
	hasData bool
	isBusy  bool
}

// dataSlot mirrors imp.rs's DataSlot: the buffer + direction pending on the
// data pipeline, and its outcome once TRANSFER_COMPLETE or an error fires.
type dataSlot struct {
	buffer           []byte
	bytesTransferred int
	isRead           bool
	res              errno.Errno
	done             bool
}

// cmdResult is the command pipeline's completion slot, imp.rs's
// Option<Result<[u32; 4], Error>>.
type cmdResult struct {
	resp [4]uint32
	err  errno.Errno
	done bool
}

// SdmmcInfo mirrors lib.rs's SdmmcInfo: the handful of card facts this
// driver's scope (below full bus-probing) still needs to size transfers.
type SdmmcInfo struct {
	RCA        uint16
	BlockLen   int
	BlockCount int
}

// Inner is the SDHC v4 ADMA2 controller state machine: one command
// pipeline and one data pipeline, each gated by an inhibit bit from
// PresentState and completed asynchronously by AckInterrupt, ported from
// dev/sdmmc/src/imp.rs's Inner. Where the original blocks a future on a
// Waker, this port blocks a goroutine on a waker's channel — the idiomatic
// Go shape for the same "come back when I'm ready" contract.
type Inner struct {
	mu sync.Mutex

	regs *Regs
	caps Capabilities
	info SdmmcInfo

	blockShift uint32
	dmaTable   *DescTable
	intrEnable Interrupt

	working *workingCmd
	resp    *cmdResult
	data    *dataSlot

	cmdIdle      *waker
	dataIdle     *waker
	cmdFinished  *waker
	dataFinished *waker
}

// NewInner wraps regs (the simulated register bank) in a fresh controller
// state machine.
func NewInner(regs *Regs) *Inner {
	return &Inner{
		regs:         regs,
		dmaTable:     NewDescTable(),
		cmdIdle:      newWaker(),
		dataIdle:     newWaker(),
		cmdFinished:  newWaker(),
		dataFinished: newWaker(),
	}
}

// IsPresent reports whether a card is currently inserted, reg.rs's
// PresentState::card_inserted bit.
func (in *Inner) IsPresent() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.regs.PresentState.Has(StateCardInserted)
}

// InitBus resets the controller, validates it supports ADMA2 and 64-bit
// addressing, configures it for busWidth-bit transfers and brings the
// clock up to clockFreqHz, returning the block_shift (log2 of the
// controller's maximum block length) future transfers are sized against.
// Ported from imp.rs's Inner::init_bus.
func (in *Inner) InitBus(busWidth int, clockFreqHz uint64) (uint32, errno.Errno) {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.regs.SoftwareReset = ResetAll
	in.regs.SoftwareReset = 0 // the simulated bank self-clears once "reset" settles

	in.caps = in.regs.ReadCapabilities()
	if !in.caps.Adma2Support || !in.caps.SystemAddress64SupportV4 {
		return 0, errno.ENOSYS
	}

	in.regs.HostControl2 |= hc2HostV4Enable | hc2Adma2LengthEnable
	in.regs.HostControl1 |= dmaSelectADMA2
	if busWidth == 8 {
		in.regs.HostControl1 |= 1 << 5
	} else if busWidth == 4 {
		in.regs.HostControl1 |= 1 << 1
	}

	in.blockShift = uint32(in.caps.MaxBlockLen) + 9

	in.intrEnable = IntrCmdMask | IntrDataMask | IntrCurrentLimitErr
	in.regs.IntrStatusEnable = in.intrEnable
	in.regs.IntrSignalEnable = in.intrEnable

	if !in.caps.Voltage18VSupport {
		return 0, errno.ENOSYS
	}
	in.regs.PowerControl = PowerOn | Voltage18V

	in.regs.ClockControl |= clockInternalEnable
	for in.regs.ClockControl&clockInternalStable == 0 {
		in.regs.settleClock()
	}

	baseHz := uint64(in.caps.SDClockBaseFreqMHz) * 1_000_000
	if clockFreqHz == 0 {
		clockFreqHz = 400_000
	}
	div := baseHz / (2 * clockFreqHz)
	in.regs.ClockControl = (in.regs.ClockControl &^ 0xff00) | ClockControl(div&0xff)<<8
	in.regs.ClockControl |= clockSDEnable

	log.Debug().Uint32("block_shift", in.blockShift).Int("bus_width", busWidth).
		Uint64("clock_hz", clockFreqHz).Msg("InitBus")
	return in.blockShift, errno.Zero
}

// SendCmdArgs bundles a command's parameters, spec.md §4.4's send_cmd
// signature flattened into a struct.
type SendCmdArgs struct {
	Index      uint8
	Argument   uint32
	Resp       RespType
	Data       []byte // nil if this command carries no data transfer
	IsRead     bool
	BlockCount int
	AutoCmd23  bool
	IsStop     bool // STOP_TRANSMISSION: response carries R1b busy
}

// SendCmd issues a command per spec.md §4.4's 5-step algorithm: checks the
// card is present, checks the inhibit bits a command of this shape cares
// about (registering on cmdIdle/dataIdle and blocking until ctx or the
// inhibit clears, rather than returning Pending the way the original's
// poll-based send_cmd does — see DESIGN.md), programs the data pipeline if
// Data is non-nil, then writes the argument and command registers.
func (in *Inner) SendCmd(ctx context.Context, args SendCmdArgs) errno.Errno {
	for {
		in.mu.Lock()
		if !in.regs.PresentState.Has(StateCardInserted) {
			in.mu.Unlock()
			return errno.ENODEV
		}

		ps := in.regs.PresentState
		needData := args.Data != nil || args.IsStop
		cmdBlocked := ps.Has(StateInhibitCmd)
		dataBlocked := needData && ps.Has(StateInhibitData)
		if !cmdBlocked && !dataBlocked {
			break
		}
		cmdCh, dataCh := in.cmdIdle, in.dataIdle
		in.mu.Unlock()
		if cmdBlocked {
			if err := cmdCh.wait(ctx); err != errno.Zero {
				return err
			}
		}
		if dataBlocked {
			if err := dataCh.wait(ctx); err != errno.Zero {
				return err
			}
		}
	}
	defer in.mu.Unlock()

	if args.Data != nil {
		// Fill chunks args.Data into AdmaMaxLen-sized descriptors itself;
		// block_count * block_size need not be recomputed here.
		descBytes, base := in.dmaTable.Fill(args.Data, args.IsRead)
		in.regs.admaDescriptors = descBytes
		in.regs.AdmaSystemAddress = base
		in.regs.HostControl1 |= dmaSelectADMA2

		in.regs.IntrStatusEnable |= IntrAdmaErr | IntrDMA | IntrAutoCmdErr
		in.regs.IntrStatusEnable &^= IntrBufferReadReady | IntrBufferWriteReady

		tm := TMDmaEnable
		if args.BlockCount > 1 {
			tm |= TMBlockCountEnable
		}
		if args.IsRead {
			tm |= TMIsRead
		}
		if args.AutoCmd23 {
			tm |= TMAutoCmd23Enable
		}
		in.regs.TransferMode = tm
		in.regs.BlockSize = encodeBlockSize(1 << in.blockShift)
		in.regs.BlockCount = uint32(args.BlockCount)

		in.data = &dataSlot{buffer: args.Data, isRead: args.IsRead}
	}

	in.regs.Argument = args.Argument
	in.regs.Command = encodeCommand(args.Index, args.Resp, args.Data != nil, args.IsStop)

	in.working = &workingCmd{index: args.Index, resp: args.Resp, hasData: args.Data != nil, isBusy: args.IsStop}
	return errno.Zero
}

// GetResp waits for the in-flight command's response, reshaping an R136
// response per reshapeR136, and clears the completion slot.
func (in *Inner) GetResp(ctx context.Context) ([4]uint32, errno.Errno) {
	for {
		in.mu.Lock()
		if !in.regs.PresentState.Has(StateCardInserted) {
			in.mu.Unlock()
			return [4]uint32{}, errno.ENODEV
		}
		if in.resp != nil && in.resp.done {
			r := *in.resp
			in.resp = nil
			in.mu.Unlock()
			return r.resp, r.err
		}
		ch := in.cmdFinished
		in.mu.Unlock()
		if err := ch.wait(ctx); err != errno.Zero {
			return [4]uint32{}, err
		}
	}
}

// GetData waits for the in-flight transfer's outcome, returning the number
// of bytes transferred.
func (in *Inner) GetData(ctx context.Context) (int, errno.Errno) {
	for {
		in.mu.Lock()
		if !in.regs.PresentState.Has(StateCardInserted) {
			in.mu.Unlock()
			return 0, errno.ENODEV
		}
		if in.data != nil && in.data.done {
			d := *in.data
			in.data = nil
			in.mu.Unlock()
			return d.bytesTransferred, d.res
		}
		ch := in.dataFinished
		in.mu.Unlock()
		if err := ch.wait(ctx); err != errno.Zero {
			return 0, err
		}
	}
}

// AckInterrupt drains intr_status, writing back CMD_MASK|DATA_MASK|
// CURRENT_LIMIT_ERR bits as it sees them and invoking completion for each
// pass, per spec.md §4.4's ack_interrupt loop. completion may be nil.
func (in *Inner) AckInterrupt(completion func()) {
	in.mu.Lock()
	defer in.mu.Unlock()

	for {
		status := in.regs.IntrStatus
		if status == 0 || status == ^Interrupt(0) {
			return
		}
		// intr_status is write-1-to-clear hardware; the simulated bank
		// mirrors that by clearing rather than overwriting the bits this
		// pass observed.
		ackMask := IntrCmdMask | IntrDataMask | IntrCurrentLimitErr
		in.regs.IntrStatus &^= status & ackMask
		if completion != nil {
			completion()
		}

		if status.Intersects(IntrInsertion | IntrRemoval) {
			in.regs.IntrStatus &^= status & (IntrInsertion | IntrRemoval)
			in.regs.IntrStatusEnable ^= IntrInsertion | IntrRemoval
			in.regs.IntrSignalEnable ^= IntrInsertion | IntrRemoval
			in.wakeAll()
		}
		if status.Intersects(IntrCmdMask) {
			in.ackCmdIntr(status)
		}
		if status.Intersects(IntrDataMask) {
			in.ackDataIntr(status)
		}
	}
}

func (in *Inner) wakeAll() {
	in.cmdIdle.wake()
	in.dataIdle.wake()
	in.cmdFinished.wake()
	in.dataFinished.wake()
}

// ackCmdIntr implements spec.md §4.4's command-completion sub-algorithm.
// Caller holds in.mu.
func (in *Inner) ackCmdIntr(status Interrupt) {
	wc := in.working
	if wc == nil {
		return
	}

	if status.Intersects(IntrTimeout | IntrCRCErr | IntrEndBitErr | IntrIndexErr) {
		if wc.hasData && status.Contains(IntrCRCErr) && !status.Contains(IntrTimeout) {
			// A CRC error alone on a data command is the data pipeline's to
			// report; fold it into DATA_CRC_ERR instead of latching a
			// command error here.
			in.regs.IntrStatus |= IntrDataCRCErr
			return
		}
		e := errno.EILSEQ
		if status.Contains(IntrTimeout) {
			e = errno.ETIMEDOUT
		}
		in.resp = &cmdResult{err: e, done: true}
		in.working = nil
		in.cmdFinished.wake()
		return
	}

	if status.Contains(IntrAutoCmdErr) {
		auto := in.regs.AutoCmdErrorStatus
		e := errno.EILSEQ
		if auto&(1<<1) != 0 { // AutoCmdError::TIMEOUT
			e = errno.ETIMEDOUT
		}
		in.resp = &cmdResult{err: e, done: true}
		in.working = nil
		in.cmdFinished.wake()
		return
	}

	if status.Contains(IntrCmdComplete) {
		raw := in.regs.Resp
		var resp [4]uint32
		switch wc.resp {
		case RespR136:
			resp = reshapeR136(raw)
		case RespR48, RespR48Busy:
			resp = [4]uint32{raw[0], 0, 0, 0}
		default:
			resp = [4]uint32{0, 0, 0, 0}
		}
		in.resp = &cmdResult{resp: resp, done: true}
		in.working = nil
		in.cmdFinished.wake()
		if !wc.hasData {
			in.cmdIdle.wake()
		}
	}
}

// ackDataIntr implements spec.md §4.4's data-completion sub-algorithm.
// Caller holds in.mu.
func (in *Inner) ackDataIntr(status Interrupt) {
	d := in.data
	if d == nil {
		return
	}

	switch {
	case status.Contains(IntrDataTimeout):
		in.failData(errno.ETIMEDOUT)
	case status.Intersects(IntrDataEndBitErr | IntrDataCRCErr):
		in.failData(errno.EILSEQ)
	case status.Contains(IntrAdmaErr):
		in.failData(errno.EIO)
	case status.Contains(IntrTransferComplete):
		_ = in.dmaTable.Extract()
		d.bytesTransferred = len(d.buffer)
		d.done = true
		in.data = d
		in.dataFinished.wake()
		in.dataIdle.wake()
	}
}

func (in *Inner) failData(e errno.Errno) {
	in.regs.SoftwareReset |= ResetData
	in.data.bytesTransferred = 0
	in.data.res = e
	in.data.done = true
	in.dataFinished.wake()
	in.dataIdle.wake()
}

func encodeBlockSize(n int) uint32 {
	return uint32(n & 0xfff)
}

func encodeCommand(index uint8, resp RespType, hasData, isBusy bool) uint32 {
	cmd := uint32(index&0x3f) << 8
	switch resp {
	case RespR136:
		cmd |= 0b01
	case RespR48:
		cmd |= 0b10
	case RespR48Busy:
		cmd |= 0b11
	}
	if hasData {
		cmd |= 1 << 5
	}
	if isBusy {
		cmd |= 1 << 6
	}
	return cmd
}
