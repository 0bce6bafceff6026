package worker

import (
	"sync"

	"github.com/nvrcore/nvrcore/internal/media"
)

// DefaultBufferSizeKB and the configurable range come from spec.md §5's
// buffer-size governor.
const (
	DefaultBufferSizeKB = 1024
	MinBufferSizeKB     = 128
	MaxBufferSizeKB     = 4096
)

// bufferErr is a sentinel error type, matching the teacher's BufferError
// pattern in internal/recording/ringbuffer.go.
type bufferErr string

func (e bufferErr) Error() string { return string(e) }

// ErrBufferClosed is returned by Push/Pop once Close has been called.
const ErrBufferClosed = bufferErr("packet buffer is closed")

// PacketBuffer is a bounded, byte-capacity-limited FIFO handoff between a
// worker's source-reading goroutine and its segment-writing goroutine.
// Adapted from the teacher's MemoryRingBuffer (ring semantics, mutex-
// guarded, fixed capacity) but repurposed from "pre-event frame storage"
// to inter-goroutine packet handoff (spec.md §5): capacity is governed by
// total payload bytes rather than frame count, and Pop blocks the reader
// instead of the whole buffer being read back out in one shot.
type PacketBuffer struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	packets  []media.Packet
	bytes    int64
	capacity int64
	closed   bool
}

// NewPacketBuffer creates a buffer capped at capacityKB kilobytes of
// packet payload, clamped to [MinBufferSizeKB, MaxBufferSizeKB].
func NewPacketBuffer(capacityKB int) *PacketBuffer {
	if capacityKB < MinBufferSizeKB {
		capacityKB = MinBufferSizeKB
	}
	if capacityKB > MaxBufferSizeKB {
		capacityKB = MaxBufferSizeKB
	}
	b := &PacketBuffer{capacity: int64(capacityKB) * 1024}
	b.notEmpty = sync.NewCond(&b.mu)
	return b
}

// Push enqueues a packet, evicting the oldest buffered packets if doing so
// is necessary to stay within capacity. A single packet larger than the
// whole capacity is still accepted (the buffer just holds that one packet)
// so a worker is never blocked mid-keyframe by its own buffer.
func (b *PacketBuffer) Push(pkt media.Packet) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBufferClosed
	}

	b.packets = append(b.packets, pkt)
	b.bytes += int64(len(pkt.Payload))

	for b.bytes > b.capacity && len(b.packets) > 1 {
		oldest := b.packets[0]
		b.packets = b.packets[1:]
		b.bytes -= int64(len(oldest.Payload))
	}

	b.notEmpty.Signal()
	return nil
}

// Pop blocks until a packet is available or the buffer is closed.
func (b *PacketBuffer) Pop() (media.Packet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.packets) == 0 && !b.closed {
		b.notEmpty.Wait()
	}
	if len(b.packets) == 0 {
		return media.Packet{}, ErrBufferClosed
	}

	pkt := b.packets[0]
	b.packets = b.packets[1:]
	b.bytes -= int64(len(pkt.Payload))
	return pkt, nil
}

// Len reports the number of buffered packets.
func (b *PacketBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.packets)
}

// Bytes reports the current buffered payload size.
func (b *PacketBuffer) Bytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}

// Close unblocks any waiting Pop and rejects further Push calls.
func (b *PacketBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.packets = nil
	b.bytes = 0
	b.notEmpty.Broadcast()
}
