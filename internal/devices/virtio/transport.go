// Package virtio implements the legacy virtio MMIO transport:
// the register-level contract a virtio-net or virtio-blk device answers, including feature
// negotiation, queue selection/sizing, and the notify/interrupt-status/ack protocol. Ring
// structures are resolved through RAM pointers at the exact offsets the legacy virtio
// specification defines; the guest-visible data path each device implements (net framing, block
// I/O) is device-specific and layered on top in net.go/blk.go.
package virtio

import (
	"fmt"

	"github.com/nkern42/rv32emu/internal/devices/plic"
	"github.com/nkern42/rv32emu/internal/log"
	"github.com/nkern42/rv32emu/internal/vm"
)

// Word aliases vm.Word for brevity.
type Word = vm.Word

const legacyMagic Word = 0x74726976 // "virt", little-endian.

// Legacy MMIO register offsets (virtio spec v1.0 §4.2.4, legacy interface).
const (
	regMagic            = 0x000
	regVersion          = 0x004
	regDeviceID         = 0x008
	regVendorID         = 0x00c
	regHostFeatures     = 0x010
	regHostFeaturesSel  = 0x014
	regGuestFeatures    = 0x020
	regGuestFeaturesSel = 0x024
	regGuestPageSize    = 0x028
	regQueueSel         = 0x030
	regQueueNumMax      = 0x034
	regQueueNum         = 0x038
	regQueueAlign       = 0x03c
	regQueuePFN         = 0x040
	regQueueNotify      = 0x050
	regInterruptStatus  = 0x060
	regInterruptACK     = 0x064
	regStatus           = 0x070
)

const vendorID Word = 0x554b4e52 // arbitrary, stable vendor id for this emulator ("RNKU").

const maxQueueSize = 256

// QueueState is one virtqueue's negotiated configuration. Descriptor/avail/used ring contents are
// read directly from RAM by whichever device layers notify handling on top; the transport only
// tracks where the ring lives and how large it is. Exported so the checkpoint codec can read it
// without needing privileged access into package virtio.
type QueueState struct {
	Size  Word
	Align Word
	PFN   Word
}

func (q *QueueState) descTableAddr() Word { return q.PFN * q.Align }

// NotifyHandler is invoked when the guest writes QueueNotify; queueIdx identifies which virtqueue
// has new available descriptors.
type NotifyHandler func(queueIdx Word)

// Transport is the shared legacy-MMIO register file. Concrete devices (net, blk) embed it,
// provide a deviceID and feature set, and supply a NotifyHandler that walks the queue.
type Transport struct {
	DeviceID Word
	Features Word

	queues   []QueueState
	consumed []uint16
	selQ     Word
	selFeat  Word

	guestFeatures   Word
	guestPageSize   Word
	status          Word
	interruptStatus Word

	RAM *vm.RAM

	irq  *plic.PLIC
	line uint

	Notify NotifyHandler

	log *log.Logger
}

// NewTransport creates a transport for numQueues virtqueues, each up to maxQueueSize descriptors,
// raising line on irq when InterruptStatus is non-zero.
func NewTransport(deviceID Word, features Word, numQueues int, ram *vm.RAM, irq *plic.PLIC, line uint, logger *log.Logger) *Transport {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Transport{
		DeviceID: deviceID,
		Features: features,
		queues:   make([]QueueState, numQueues),
		RAM:      ram,
		irq:      irq,
		line:     line,
		log:      logger,
	}
}

func (t *Transport) Read(addr Word, width int) (Word, error) {
	switch addr % 0x1000 {
	case regMagic:
		return legacyMagic, nil
	case regVersion:
		return 1, nil // Legacy interface.
	case regDeviceID:
		return t.DeviceID, nil
	case regVendorID:
		return vendorID, nil
	case regHostFeatures:
		return t.featuresWord(t.selFeat), nil
	case regQueueNumMax:
		return maxQueueSize, nil
	case regQueuePFN:
		return t.current().PFN, nil
	case regInterruptStatus:
		return t.interruptStatus, nil
	case regStatus:
		return t.status, nil
	default:
		return 0, fmt.Errorf("virtio: read: unmapped register %#x", addr)
	}
}

func (t *Transport) Write(addr Word, width int, val Word) error {
	switch addr % 0x1000 {
	case regHostFeaturesSel:
		t.selFeat = val
	case regGuestFeatures:
		t.guestFeatures = val
	case regGuestFeaturesSel:
		// Only a single 32-bit feature word is modelled; selector is accepted but otherwise inert.
	case regGuestPageSize:
		t.guestPageSize = val
	case regQueueSel:
		if int(val) >= len(t.queues) {
			return fmt.Errorf("virtio: queue select out of range: %d", val)
		}

		t.selQ = val
	case regQueueNum:
		t.current().Size = val
	case regQueueAlign:
		t.current().Align = val
	case regQueuePFN:
		t.current().PFN = val
	case regQueueNotify:
		if t.Notify != nil {
			t.Notify(val)
		}
	case regInterruptACK:
		t.interruptStatus &^= val
		t.updateIRQ()
	case regStatus:
		t.status = val
		if val == 0 {
			t.reset()
		}
	default:
		return fmt.Errorf("virtio: write: unmapped or read-only register %#x", addr)
	}

	return nil
}

func (t *Transport) current() *QueueState { return &t.queues[t.selQ] }

// featuresWord returns the 32-bit slice of the (here, single-word) feature bitmap selected by
// sel, per the legacy transport's two-word feature negotiation.
func (t *Transport) featuresWord(sel Word) Word {
	if sel == 0 {
		return t.Features
	}

	return 0
}

func (t *Transport) reset() {
	for i := range t.queues {
		t.queues[i] = QueueState{}
	}

	t.interruptStatus = 0
	t.guestFeatures = 0
	t.consumed = nil
	t.updateIRQ()
}

// RaiseUsedBuffer sets the used-buffer-notification bit and asserts the device's PLIC line,
// called by a device once it has placed descriptors on a queue's used ring.
func (t *Transport) RaiseUsedBuffer() {
	t.interruptStatus |= 1
	t.updateIRQ()
}

func (t *Transport) updateIRQ() {
	if t.irq == nil {
		return
	}

	if t.interruptStatus != 0 {
		t.irq.Assert(t.line)
	} else {
		t.irq.Deassert(t.line)
	}
}

// QueueSize returns the negotiated size of virtqueue idx.
func (t *Transport) QueueSize(idx int) Word {
	if idx < 0 || idx >= len(t.queues) {
		return 0
	}

	return t.queues[idx].Size
}

// DescTableAddr returns the physical RAM address of virtqueue idx's descriptor table.
func (t *Transport) DescTableAddr(idx int) Word {
	if idx < 0 || idx >= len(t.queues) {
		return 0
	}

	return t.queues[idx].descTableAddr()
}

// State is the serialisable snapshot of the transport's negotiated configuration and per-queue
// avail-ring consumption progress, excluding the RAM pointer and host backing handles.
type State struct {
	Queues          []QueueState
	Consumed        []uint16
	SelQueue        uint32
	SelFeature      uint32
	GuestFeatures   uint32
	GuestPageSize   uint32
	Status          uint32
	InterruptStatus uint32
}

func (t *Transport) Snapshot() State {
	qs := make([]QueueState, len(t.queues))
	copy(qs, t.queues)

	consumed := make([]uint16, len(t.queues))
	copy(consumed, t.consumed)

	return State{
		Queues:          qs,
		Consumed:        consumed,
		SelQueue:        uint32(t.selQ),
		SelFeature:      uint32(t.selFeat),
		GuestFeatures:   uint32(t.guestFeatures),
		GuestPageSize:   uint32(t.guestPageSize),
		Status:          uint32(t.status),
		InterruptStatus: uint32(t.interruptStatus),
	}
}

func (t *Transport) Restore(s State) {
	t.queues = make([]QueueState, len(s.Queues))
	copy(t.queues, s.Queues)
	t.consumed = make([]uint16, len(s.Queues))
	copy(t.consumed, s.Consumed)
	t.selQ = Word(s.SelQueue)
	t.selFeat = Word(s.SelFeature)
	t.guestFeatures = Word(s.GuestFeatures)
	t.guestPageSize = Word(s.GuestPageSize)
	t.status = Word(s.Status)
	t.interruptStatus = Word(s.InterruptStatus)
	t.updateIRQ()
}
