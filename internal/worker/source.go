package worker

import (
	"context"

	"github.com/nvrcore/nvrcore/internal/media"
	"github.com/nvrcore/nvrcore/internal/segment"
)

// Source is one stream's upstream packet origin (an RTSP session in
// production; a fake in tests). Connect is expected to honor ctx's
// deadline for the 10s connect timeout spec.md §4.3 requires; ReadPacket
// blocks until a packet is available, ctx is canceled, or the source ends.
// Descriptor reports the stream's static properties once known (may be
// called only after the first successful ReadPacket).
type Source interface {
	Connect(ctx context.Context) error
	ReadPacket(ctx context.Context) (media.Packet, error)
	Descriptor() segment.Descriptor
	Close() error
}

// Sink is where a worker delivers packets once read — satisfied by
// *internal/segment.Writer in production, faked in tests.
type Sink interface {
	WritePacket(ctx context.Context, pkt media.Packet, desc segment.Descriptor) error
	Close(ctx context.Context) error
}
