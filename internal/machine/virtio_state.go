package machine

// virtio_state.go converts between virtio.State (the transport's own snapshot type) and
// checkpoint.VirtioState (the codec's wire type), so that package checkpoint does not need to
// import package virtio just to describe a queue.

import (
	"github.com/nkern42/rv32emu/internal/checkpoint"
	"github.com/nkern42/rv32emu/internal/devices/virtio"
)

func virtioCheckpointState(s virtio.State) *checkpoint.VirtioState {
	queues := make([]checkpoint.QueueState, len(s.Queues))
	for i, q := range s.Queues {
		queues[i] = checkpoint.QueueState{Size: uint32(q.Size), Align: uint32(q.Align), PFN: uint32(q.PFN)}
	}

	return &checkpoint.VirtioState{
		Queues:          queues,
		Consumed:        append([]uint16(nil), s.Consumed...),
		SelQueue:        s.SelQueue,
		SelFeature:      s.SelFeature,
		GuestFeatures:   s.GuestFeatures,
		GuestPageSize:   s.GuestPageSize,
		Status:          s.Status,
		InterruptStatus: s.InterruptStatus,
	}
}

func virtioDeviceState(cs checkpoint.VirtioState) virtio.State {
	queues := make([]virtio.QueueState, len(cs.Queues))
	for i, q := range cs.Queues {
		queues[i] = virtio.QueueState{Size: virtio.Word(q.Size), Align: virtio.Word(q.Align), PFN: virtio.Word(q.PFN)}
	}

	return virtio.State{
		Queues:          queues,
		Consumed:        append([]uint16(nil), cs.Consumed...),
		SelQueue:        cs.SelQueue,
		SelFeature:      cs.SelFeature,
		GuestFeatures:   cs.GuestFeatures,
		GuestPageSize:   cs.GuestPageSize,
		Status:          cs.Status,
		InterruptStatus: cs.InterruptStatus,
	}
}
