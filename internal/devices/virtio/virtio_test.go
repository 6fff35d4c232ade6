package virtio

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/nkern42/rv32emu/internal/devices/plic"
	"github.com/nkern42/rv32emu/internal/vm"
)

// Test queue geometry: an 8-entry queue whose descriptor table sits at pfn*align.
const (
	qSize  = 8
	qAlign = 4096
)

func testRAM() *vm.RAM {
	ram := vm.NewRAM(1 << 16)
	return &ram
}

func configureQueue(t *testing.T, tr *Transport, idx, pfn Word) {
	t.Helper()

	writes := []struct {
		reg Word
		val Word
	}{
		{regQueueSel, idx},
		{regQueueNum, qSize},
		{regQueueAlign, qAlign},
		{regQueuePFN, pfn},
	}

	for _, w := range writes {
		if err := tr.Write(w.reg, 4, w.val); err != nil {
			t.Fatalf("configure queue %d: write %#x: %s", idx, w.reg, err)
		}
	}
}

func putDesc(ram *vm.RAM, table Word, entry uint16, addr uint64, length uint32, flags, next uint16) {
	base := table + Word(entry)*descSize
	b := ram.Bytes()

	binary.LittleEndian.PutUint64(b[base:base+8], addr)
	binary.LittleEndian.PutUint32(b[base+8:base+12], length)
	binary.LittleEndian.PutUint16(b[base+12:base+14], flags)
	binary.LittleEndian.PutUint16(b[base+14:base+16], next)
}

// pushAvail publishes head as the next available descriptor chain and bumps the avail index.
func pushAvail(ram *vm.RAM, table Word, head uint16) {
	avail := table + qSize*descSize
	b := ram.Bytes()

	idx := binary.LittleEndian.Uint16(b[avail+2 : avail+4])
	binary.LittleEndian.PutUint16(b[avail+4+Word(idx%qSize)*2:], head)
	binary.LittleEndian.PutUint16(b[avail+2:], idx+1)
}

func TestTransportRegisterContract(t *testing.T) {
	t.Parallel()

	tr := NewTransport(42, 0x30, 1, testRAM(), nil, 0, nil)

	reads := []struct {
		reg  Word
		want Word
	}{
		{regMagic, legacyMagic},
		{regVersion, 1},
		{regDeviceID, 42},
		{regVendorID, vendorID},
		{regHostFeatures, 0x30},
		{regQueueNumMax, maxQueueSize},
	}

	for _, r := range reads {
		got, err := tr.Read(r.reg, 4)
		if err != nil {
			t.Fatalf("read %#x: %s", r.reg, err)
		}

		if got != r.want {
			t.Errorf("register %#x = %s, want %s", r.reg, got, r.want)
		}
	}

	// Feature words above the first are all zero in this single-word model.
	if err := tr.Write(regHostFeaturesSel, 4, 1); err != nil {
		t.Fatalf("select feature word: %s", err)
	}

	if got, _ := tr.Read(regHostFeatures, 4); got != 0 {
		t.Errorf("feature word 1 = %s, want 0", got)
	}

	if err := tr.Write(regQueueSel, 4, 7); err == nil {
		t.Errorf("expected an error selecting a queue the device does not have")
	}

	if err := tr.Write(regStatus, 4, 0x7); err != nil {
		t.Fatalf("write status: %s", err)
	}

	if got, _ := tr.Read(regStatus, 4); got != 0x7 {
		t.Errorf("status = %s, want 0x7", got)
	}
}

func TestInterruptAckClearsStatusAndLine(t *testing.T) {
	t.Parallel()

	irq := plic.New(nil)
	irq.Write(0x04, 4, 1<<plic.IRQVirtioBlk) //nolint:errcheck // enable the source

	tr := NewTransport(42, 0, 1, testRAM(), irq, plic.IRQVirtioBlk, nil)

	tr.RaiseUsedBuffer()

	if got, _ := tr.Read(regInterruptStatus, 4); got != 1 {
		t.Fatalf("interrupt status = %s, want 1", got)
	}

	if !irq.Active() {
		t.Fatalf("expected the PLIC line to assert with interrupt status set")
	}

	if err := tr.Write(regInterruptACK, 4, 1); err != nil {
		t.Fatalf("ack: %s", err)
	}

	if got, _ := tr.Read(regInterruptStatus, 4); got != 0 {
		t.Errorf("interrupt status = %s after ack, want 0", got)
	}

	if irq.Active() {
		t.Errorf("the PLIC line should deassert once the interrupt is acknowledged")
	}
}

type sectorStore struct {
	data []byte
}

func (s *sectorStore) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, s.data[off:]), nil
}

func (s *sectorStore) WriteAt(p []byte, off int64) (int, error) {
	return copy(s.data[off:], p), nil
}

// blkRequest lays out a three-descriptor virtio-blk request (header, data, status) in guest RAM.
func blkRequest(ram *vm.RAM, table Word, reqType uint32, sector uint64, dataLen uint32, deviceWrites bool) {
	const (
		headerAddr = 0x100
		dataAddr   = 0x800
		statusAddr = 0xe00
	)

	b := ram.Bytes()
	binary.LittleEndian.PutUint32(b[headerAddr:], reqType)
	binary.LittleEndian.PutUint64(b[headerAddr+8:], sector)

	dataFlags := uint16(descFlagNext)
	if deviceWrites {
		dataFlags |= descFlagWrite
	}

	putDesc(ram, table, 0, headerAddr, 16, descFlagNext, 1)
	putDesc(ram, table, 1, dataAddr, dataLen, dataFlags, 2)
	putDesc(ram, table, 2, statusAddr, 1, descFlagWrite, 0)

	pushAvail(ram, table, 0)
}

func TestBlkReadRequest(t *testing.T) {
	t.Parallel()

	ram := testRAM()
	irq := plic.New(nil)
	irq.Write(0x04, 4, 1<<plic.IRQVirtioBlk) //nolint:errcheck

	store := &sectorStore{data: make([]byte, 4*sectorSize)}
	for i := range store.data {
		store.data[i] = byte(i)
	}

	b := NewBlk(store, ram, irq, plic.IRQVirtioBlk, nil)
	configureQueue(t, b.Transport, 0, 1)

	table := b.DescTableAddr(0)
	blkRequest(ram, table, blkTypeIn, 2, sectorSize, true)

	if err := b.Write(regQueueNotify, 4, 0); err != nil {
		t.Fatalf("notify: %s", err)
	}

	got := ram.Bytes()[0x800 : 0x800+sectorSize]
	want := store.data[2*sectorSize : 3*sectorSize]

	if !bytes.Equal(got, want) {
		t.Errorf("data buffer does not match backing store sector 2")
	}

	if status := ram.Bytes()[0xe00]; status != blkStatusOK {
		t.Errorf("status = %d, want OK", status)
	}

	if used := b.usedIdx(0); used != 1 {
		t.Errorf("used index = %d, want 1", used)
	}

	if !irq.Active() {
		t.Errorf("expected the PLIC line to assert after the request completes")
	}
}

func TestBlkWriteRequest(t *testing.T) {
	t.Parallel()

	ram := testRAM()
	store := &sectorStore{data: make([]byte, 4*sectorSize)}

	b := NewBlk(store, ram, nil, plic.IRQVirtioBlk, nil)
	configureQueue(t, b.Transport, 0, 1)

	payload := bytes.Repeat([]byte{0x5a}, sectorSize)
	copy(ram.Bytes()[0x800:], payload)

	table := b.DescTableAddr(0)
	blkRequest(ram, table, blkTypeOut, 1, sectorSize, false)

	if err := b.Write(regQueueNotify, 4, 0); err != nil {
		t.Fatalf("notify: %s", err)
	}

	if !bytes.Equal(store.data[sectorSize:2*sectorSize], payload) {
		t.Errorf("backing store sector 1 does not match the written payload")
	}

	if status := ram.Bytes()[0xe00]; status != blkStatusOK {
		t.Errorf("status = %d, want OK", status)
	}
}

func TestNetTransmitStripsHeader(t *testing.T) {
	t.Parallel()

	ram := testRAM()

	var sent []byte

	n := NewNet(ram, nil, plic.IRQVirtioNet, nil)
	n.Outbound = func(frame []byte) { sent = append([]byte(nil), frame...) }

	configureQueue(t, n.Transport, queueRX, 1)
	configureQueue(t, n.Transport, queueTX, 5)

	frame := []byte("hello")
	buf := make([]byte, netHeaderLen+len(frame))
	copy(buf[netHeaderLen:], frame)
	copy(ram.Bytes()[0x100:], buf)

	table := n.DescTableAddr(queueTX)
	putDesc(ram, table, 0, 0x100, uint32(len(buf)), 0, 0)
	pushAvail(ram, table, 0)

	if err := n.Write(regQueueNotify, 4, queueTX); err != nil {
		t.Fatalf("notify: %s", err)
	}

	if !bytes.Equal(sent, frame) {
		t.Errorf("outbound frame = %q, want %q", sent, frame)
	}

	if used := n.usedIdx(queueTX); used != 1 {
		t.Errorf("tx used index = %d, want 1", used)
	}
}

func TestNetDeliverFillsRXBuffer(t *testing.T) {
	t.Parallel()

	ram := testRAM()

	n := NewNet(ram, nil, plic.IRQVirtioNet, nil)
	configureQueue(t, n.Transport, queueRX, 1)
	configureQueue(t, n.Transport, queueTX, 5)

	frame := []byte("ping")

	if n.Deliver(frame) {
		t.Fatalf("expected Deliver to drop the frame with no RX buffer posted")
	}

	table := n.DescTableAddr(queueRX)
	putDesc(ram, table, 0, 0x800, 100, descFlagWrite, 0)
	pushAvail(ram, table, 0)

	if !n.Deliver(frame) {
		t.Fatalf("expected Deliver to succeed with an RX buffer posted")
	}

	b := ram.Bytes()
	for i := 0; i < netHeaderLen; i++ {
		if b[0x800+i] != 0 {
			t.Fatalf("net header byte %d = %#x, want 0", i, b[0x800+i])
		}
	}

	if got := b[0x800+netHeaderLen : 0x800+netHeaderLen+len(frame)]; !bytes.Equal(got, frame) {
		t.Errorf("rx buffer = %q, want %q", got, frame)
	}

	if used := n.usedIdx(queueRX); used != 1 {
		t.Errorf("rx used index = %d, want 1", used)
	}
}

// TestSnapshotRestorePreservesConsumedProgress checks that a restored device does not reprocess
// descriptor chains it had already consumed before the checkpoint.
func TestSnapshotRestorePreservesConsumedProgress(t *testing.T) {
	t.Parallel()

	ram := testRAM()
	store := &sectorStore{data: make([]byte, 4*sectorSize)}

	b := NewBlk(store, ram, nil, plic.IRQVirtioBlk, nil)
	configureQueue(t, b.Transport, 0, 1)

	table := b.DescTableAddr(0)
	blkRequest(ram, table, blkTypeIn, 0, sectorSize, true)

	if err := b.Write(regQueueNotify, 4, 0); err != nil {
		t.Fatalf("notify: %s", err)
	}

	snap := b.Snapshot()

	restored := NewBlk(store, ram, nil, plic.IRQVirtioBlk, nil)
	restored.Restore(snap)

	if err := restored.Write(regQueueNotify, 4, 0); err != nil {
		t.Fatalf("notify after restore: %s", err)
	}

	if used := restored.usedIdx(0); used != 1 {
		t.Errorf("used index = %d after restore+notify, want 1 (no reprocessing)", used)
	}
}

func TestStatusZeroResetsDevice(t *testing.T) {
	t.Parallel()

	tr := NewTransport(42, 0, 1, testRAM(), nil, 0, nil)

	configureQueue(t, tr, 0, 1)
	tr.Write(regGuestFeatures, 4, 0x3) //nolint:errcheck
	tr.RaiseUsedBuffer()

	if err := tr.Write(regStatus, 4, 0); err != nil {
		t.Fatalf("write status 0: %s", err)
	}

	if got, _ := tr.Read(regQueuePFN, 4); got != 0 {
		t.Errorf("queue pfn = %s after reset, want 0", got)
	}

	if got, _ := tr.Read(regInterruptStatus, 4); got != 0 {
		t.Errorf("interrupt status = %s after reset, want 0", got)
	}
}
