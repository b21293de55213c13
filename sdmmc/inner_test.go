package sdmmc

import (
	"context"
	"testing"
	"time"

	"mizu/errno"
)

func newTestInner(t *testing.T) *Inner {
	t.Helper()
	caps := Capabilities{
		Adma2Support:             true,
		SystemAddress64SupportV4: true,
		Voltage18VSupport:        true,
		MaxBlockLen:              0,
		SDClockBaseFreqMHz:       200,
	}
	regs := NewRegs(caps)
	return NewInner(regs)
}

func TestInitBus(t *testing.T) {
	in := newTestInner(t)
	shift, err := in.InitBus(4, 25_000_000)
	if err != errno.Zero {
		t.Fatalf("InitBus: %v", err)
	}
	if shift != 9 {
		t.Fatalf("block shift = %d, want 9 (MaxBlockLen=0 -> 512 bytes)", shift)
	}
	if in.regs.ClockControl&clockSDEnable == 0 {
		t.Fatal("expected sd_clock_enable set")
	}
	if in.regs.HostControl2&hc2HostV4Enable == 0 {
		t.Fatal("expected host_v4_enable set")
	}
}

func TestInitBusRejectsMissingAdma2(t *testing.T) {
	regs := NewRegs(Capabilities{})
	in := NewInner(regs)
	if _, err := in.InitBus(4, 25_000_000); err != errno.ENOSYS {
		t.Fatalf("got %v, want ENOSYS when ADMA2 unsupported", err)
	}
}

func TestSendCmdNoCardIsENODEV(t *testing.T) {
	in := newTestInner(t)
	in.regs.PresentState = 0 // no card inserted
	ctx := context.Background()
	if err := in.SendCmd(ctx, SendCmdArgs{Index: 0, Resp: RespZero}); err != errno.ENODEV {
		t.Fatalf("got %v, want ENODEV", err)
	}
}

func TestSendCmdWaitsOutInhibitCmd(t *testing.T) {
	in := newTestInner(t)
	if _, err := in.InitBus(4, 25_000_000); err != errno.Zero {
		t.Fatalf("InitBus: %v", err)
	}
	in.regs.PresentState |= StateInhibitCmd

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan errno.Errno, 1)
	go func() {
		done <- in.SendCmd(ctx, SendCmdArgs{Index: 8, Resp: RespR48})
	}()

	select {
	case <-time.After(10 * time.Millisecond):
	case <-done:
		t.Fatal("SendCmd should still be blocked on inhibit_cmd")
	}

	in.mu.Lock()
	in.regs.PresentState &^= StateInhibitCmd
	in.cmdIdle.wake()
	in.mu.Unlock()

	select {
	case err := <-done:
		if err != errno.Zero {
			t.Fatalf("SendCmd after inhibit clears: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("SendCmd never unblocked after inhibit_cmd cleared")
	}
}

func TestCommandCompleteRoundTrip(t *testing.T) {
	in := newTestInner(t)
	if _, err := in.InitBus(4, 25_000_000); err != errno.Zero {
		t.Fatalf("InitBus: %v", err)
	}

	ctx := context.Background()
	if err := in.SendCmd(ctx, SendCmdArgs{Index: 8, Argument: 0x1AA, Resp: RespR48}); err != errno.Zero {
		t.Fatalf("SendCmd: %v", err)
	}

	in.mu.Lock()
	in.regs.Resp = [4]uint32{0xDEADBEEF, 0, 0, 0}
	in.regs.IntrStatus |= IntrCmdComplete
	in.mu.Unlock()

	in.AckInterrupt(nil)

	respCh := make(chan [4]uint32, 1)
	errCh := make(chan errno.Errno, 1)
	go func() {
		r, err := in.GetResp(ctx)
		errCh <- err
		respCh <- r
	}()

	select {
	case err := <-errCh:
		if err != errno.Zero {
			t.Fatalf("GetResp: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("GetResp never returned")
	}
	if r := <-respCh; r[0] != 0xDEADBEEF {
		t.Fatalf("resp = %#v, want R48 echo of raw reg 0", r)
	}
}

func TestCommandTimeoutSurfacesETIMEDOUT(t *testing.T) {
	in := newTestInner(t)
	if _, err := in.InitBus(4, 25_000_000); err != errno.Zero {
		t.Fatalf("InitBus: %v", err)
	}

	ctx := context.Background()
	if err := in.SendCmd(ctx, SendCmdArgs{Index: 8, Resp: RespR48}); err != errno.Zero {
		t.Fatalf("SendCmd: %v", err)
	}

	in.mu.Lock()
	in.regs.IntrStatus |= IntrTimeout
	in.mu.Unlock()
	in.AckInterrupt(nil)

	if _, err := in.GetResp(ctx); err != errno.ETIMEDOUT {
		t.Fatalf("got %v, want ETIMEDOUT", err)
	}
}

func TestDataTransferCompletes(t *testing.T) {
	in := newTestInner(t)
	if _, err := in.InitBus(4, 25_000_000); err != errno.Zero {
		t.Fatalf("InitBus: %v", err)
	}

	ctx := context.Background()
	buf := make([]byte, 512)
	if err := in.SendCmd(ctx, SendCmdArgs{
		Index: 17, Resp: RespR48, Data: buf, IsRead: true, BlockCount: 1,
	}); err != errno.Zero {
		t.Fatalf("SendCmd: %v", err)
	}

	// Simulate the device filling the descriptor's buffer, then the
	// controller reporting TRANSFER_COMPLETE.
	base := in.regs.AdmaSystemAddress
	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = 0x42
	}
	if err := in.dmaTable.WriteDMA(base, 0, payload); err != errno.Zero {
		t.Fatalf("WriteDMA: %v", err)
	}

	in.mu.Lock()
	in.regs.IntrStatus |= IntrTransferComplete
	in.mu.Unlock()
	in.AckInterrupt(nil)

	n, err := in.GetData(ctx)
	if err != errno.Zero {
		t.Fatalf("GetData: %v", err)
	}
	if n != 512 {
		t.Fatalf("bytesTransferred = %d, want 512", n)
	}
	if buf[0] != 0x42 {
		t.Fatal("expected the simulated device write to land in the caller's buffer")
	}
}

func TestDataCRCErrorResetsDataLane(t *testing.T) {
	in := newTestInner(t)
	if _, err := in.InitBus(4, 25_000_000); err != errno.Zero {
		t.Fatalf("InitBus: %v", err)
	}

	ctx := context.Background()
	buf := make([]byte, 512)
	if err := in.SendCmd(ctx, SendCmdArgs{
		Index: 17, Resp: RespR48, Data: buf, IsRead: true, BlockCount: 1,
	}); err != errno.Zero {
		t.Fatalf("SendCmd: %v", err)
	}

	in.mu.Lock()
	in.regs.IntrStatus |= IntrDataCRCErr
	in.mu.Unlock()
	in.AckInterrupt(nil)

	if _, err := in.GetData(ctx); err != errno.EILSEQ {
		t.Fatalf("got %v, want EILSEQ", err)
	}
	if in.regs.SoftwareReset&ResetData == 0 {
		t.Fatal("expected the data lane to be reset on a data CRC error")
	}
}
