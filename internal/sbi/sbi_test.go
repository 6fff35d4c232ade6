package sbi

import "testing"

type fakeMachine struct {
	insnCount    uint64
	timer        uint64
	shutdown     bool
	shutdownArgs ShutdownCause
}

func (m *fakeMachine) InstructionCount() uint64 { return m.insnCount }
func (m *fakeMachine) SetTimer(deadline uint64) { m.timer = deadline }
func (m *fakeMachine) Shutdown(cause ShutdownCause) {
	m.shutdown = true
	m.shutdownArgs = cause
}

// TestSetTimer: a7="TIME", a6=0, a0=100, a1=0 records a 64-bit deadline of 100 and returns
// success.
func TestSetTimer(t *testing.T) {
	t.Parallel()

	m := &fakeMachine{}
	result := Dispatch(m, Args{EID: ExtTimer, FID: 0, Arg0: 100, Arg1: 0})

	if result.Error != Success {
		t.Fatalf("error = %d, want Success", result.Error)
	}

	if m.timer != 100 {
		t.Errorf("timer = %d, want 100", m.timer)
	}
}

func TestSetTimerSplits64Bits(t *testing.T) {
	t.Parallel()

	m := &fakeMachine{}
	Dispatch(m, Args{EID: ExtTimer, FID: 0, Arg0: 0x11111111, Arg1: 0x22222222})

	if want := uint64(0x2222222211111111); m.timer != want {
		t.Errorf("timer = %#x, want %#x", m.timer, want)
	}
}

func TestSystemReset(t *testing.T) {
	t.Parallel()

	m := &fakeMachine{}
	result := Dispatch(m, Args{EID: ExtSystemReset, FID: 0, Arg0: ResetTypeShutdown, Arg1: ResetReasonNone})

	if result.Error != Success {
		t.Fatalf("error = %d, want Success", result.Error)
	}

	if !m.shutdown {
		t.Fatalf("expected Shutdown to be called")
	}

	if m.shutdownArgs.Type != ResetTypeShutdown {
		t.Errorf("shutdown type = %d, want ResetTypeShutdown", m.shutdownArgs.Type)
	}
}

func TestBaseProbeExtension(t *testing.T) {
	t.Parallel()

	m := &fakeMachine{}
	result := Dispatch(m, Args{EID: ExtBase, FID: fnProbeExtension, Arg0: ExtTimer})

	if result.Value != 1 {
		t.Errorf("probe(timer) = %d, want 1 (supported)", result.Value)
	}

	result = Dispatch(m, Args{EID: ExtBase, FID: fnProbeExtension, Arg0: 0xdeadbeef})
	if result.Value != 0 {
		t.Errorf("probe(unknown) = %d, want 0 (unsupported)", result.Value)
	}
}

func TestUnknownExtensionNotSupported(t *testing.T) {
	t.Parallel()

	m := &fakeMachine{}
	result := Dispatch(m, Args{EID: 0xbad, FID: 0})

	if result.Error != NotSupported {
		t.Errorf("error = %d, want NotSupported", result.Error)
	}

	if result.Value != 0 {
		t.Errorf("value = %d, want 0", result.Value)
	}
}
