package plic

import "testing"

func TestClaimLowestNumberedSourceWins(t *testing.T) {
	t.Parallel()

	p := New(nil)
	p.Write(regEnable, 4, 0b1110)
	p.Assert(1)
	p.Assert(3)

	if !p.Active() {
		t.Fatalf("expected active with sources 1 and 3 pending and enabled")
	}

	irq, err := p.Read(regClaim, 4)
	if err != nil {
		t.Fatalf("read claim: %s", err)
	}

	if irq != 1 {
		t.Errorf("claim = %d, want lowest-numbered source 1", irq)
	}
}

func TestClaimMasksSourceUntilComplete(t *testing.T) {
	t.Parallel()

	p := New(nil)
	p.Write(regEnable, 4, 1<<1)
	p.Assert(1)

	if _, err := p.Read(regClaim, 4); err != nil {
		t.Fatalf("claim: %s", err)
	}

	if p.Active() {
		t.Errorf("source should be masked after claim, before complete")
	}

	if err := p.Write(regClaim, 4, 1); err != nil {
		t.Fatalf("complete: %s", err)
	}

	if !p.Active() {
		t.Errorf("source should re-arm after writing the same value to complete")
	}
}

func TestActiveRequiresEnable(t *testing.T) {
	t.Parallel()

	p := New(nil)
	p.Assert(2)

	if p.Active() {
		t.Errorf("a pending but disabled source must not assert the aggregate line")
	}

	p.Write(regEnable, 4, 1<<2)

	if !p.Active() {
		t.Errorf("enabling the source should assert the aggregate line")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	p := New(nil)
	p.Write(regEnable, 4, 0b101)
	p.Assert(0)
	p.Assert(2)
	p.Read(regClaim, 4) //nolint:errcheck // claim source 0, masking it

	snap := p.Snapshot()

	q := New(nil)
	q.Restore(snap)

	if q.Snapshot() != snap {
		t.Errorf("restored state %+v does not match snapshot %+v", q.Snapshot(), snap)
	}
}
