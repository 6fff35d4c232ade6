package virtio

// net.go implements a virtio-net device: an RX queue (0) of guest-supplied empty buffers the
// device fills with inbound frames, and a TX queue (1) of guest-supplied frames the device
// forwards to the host. Actual host networking (a tap device, a socket) is host
// wiring and out of scope; Net exposes Deliver/Outbound so a caller can plug in whatever host
// transport it likes.

import (
	"fmt"

	"github.com/nkern42/rv32emu/internal/devices/plic"
	"github.com/nkern42/rv32emu/internal/log"
	"github.com/nkern42/rv32emu/internal/vm"
)

const (
	deviceIDNet = 1

	netHeaderLen = 10 // virtio-net legacy header: flags, gso_type, hdr_len, gso_size, csum_start/offset folded to 10 bytes.

	queueRX = 0
	queueTX = 1
)

// OutboundFunc receives a frame (header stripped) the guest transmitted.
type OutboundFunc func(frame []byte)

// Net is a virtio-net device with one RX and one TX queue.
type Net struct {
	*Transport

	// Outbound, if set, is called with each frame the guest transmits.
	Outbound OutboundFunc

	log *log.Logger
}

// NewNet creates a virtio-net device with no host transport attached; frames written to Outbound
// are otherwise discarded, and Deliver silently drops inbound frames until the guest posts RX
// buffers.
func NewNet(ram *vm.RAM, irq *plic.PLIC, line uint, logger *log.Logger) *Net {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	n := &Net{log: logger}
	n.Transport = NewTransport(deviceIDNet, 0, 2, ram, irq, line, logger)
	n.Notify = n.onNotify

	return n
}

func (n *Net) Name() string   { return "virtio-net" }
func (n *Net) String() string { return fmt.Sprintf("Net{%v}", n.Transport) }

func (n *Net) onNotify(queueIdx Word) {
	if queueIdx != queueTX {
		return
	}

	raised := false

	for _, head := range n.pendingAvail(queueTX) {
		n.transmit(head)
		raised = true
	}

	if raised {
		n.RaiseUsedBuffer()
	}
}

func (n *Net) transmit(head uint16) {
	chain := n.Chain(queueTX, head)

	ram := n.RAM.Bytes()

	var length uint32

	var frame []byte

	for i, d := range chain {
		length += d.Len

		buf := ram[d.Addr : d.Addr+uint64(d.Len)]
		if i == 0 && d.Len >= netHeaderLen {
			buf = buf[netHeaderLen:]
		}

		frame = append(frame, buf...)
	}

	if n.Outbound != nil {
		n.Outbound(frame)
	}

	n.pushUsed(queueTX, head, length)
}

// Deliver writes an inbound frame into the next guest-supplied RX buffer, if one is available. It
// returns false if no RX buffer is posted, matching a real NIC's behaviour of dropping frames
// under backpressure.
func (n *Net) Deliver(frame []byte) bool {
	heads := n.pendingAvail(queueRX)
	if len(heads) == 0 {
		return false
	}

	head := heads[0]
	chain := n.Chain(queueRX, head)

	if len(chain) == 0 {
		return false
	}

	ram := n.RAM.Bytes()
	d := chain[0]

	if uint64(len(frame))+netHeaderLen > uint64(d.Len) {
		return false
	}

	for i := 0; i < netHeaderLen; i++ {
		ram[d.Addr+uint64(i)] = 0
	}

	copy(ram[d.Addr+netHeaderLen:], frame)

	n.pushUsed(queueRX, head, uint32(len(frame)+netHeaderLen))
	n.RaiseUsedBuffer()

	return true
}
