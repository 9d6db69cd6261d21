// Package socket implements the DSME external message-bus wire protocol:
// a binary frame of {u32 line_size, u32 payload_size, u32 type_id,
// payload, extra} over a Unix domain stream socket, plus the
// accept-loop server that bridges frames to and from the bus.
//
// Accept loop shape (one goroutine per connection, bounded concurrent
// connections, 0600 socket permissions, read/write deadlines) grounded on
// the teacher's internal/operator Unix socket server; the newline-
// delimited JSON protocol there is replaced with this package's fixed
// binary header, since the historical DSME wire protocol is a stable,
// versioned binary framing rather than a JSON RPC.
package socket

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vigilon/dsmed/internal/bus"
)

// headerSize is the on-wire size of the fixed frame header: line_size,
// payload_size, type_id, each a big-endian uint32.
const headerSize = 12

// Frame is one decoded wire message.
type Frame struct {
	// LineSize is the total frame size on the wire (header + payload +
	// extra), as declared by the sender. Used to validate framing.
	LineSize uint32
	Type     bus.TypeID
	Payload  []byte
	Extra    []byte
}

// MaxFrameSize bounds a single frame to guard against a misbehaving peer
// declaring an enormous size and exhausting memory.
const MaxFrameSize = 1 << 20 // 1 MiB

// WriteFrame encodes a frame of type typ with the given payload and extra
// bytes and writes it to w.
func WriteFrame(w io.Writer, typ bus.TypeID, payload, extra []byte) error {
	payloadSize := uint32(len(payload))
	lineSize := uint32(headerSize + len(payload) + len(extra))

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header[0:4], lineSize)
	binary.BigEndian.PutUint32(header[4:8], payloadSize)
	binary.BigEndian.PutUint32(header[8:12], uint32(typ))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("socket.WriteFrame: header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("socket.WriteFrame: payload: %w", err)
		}
	}
	if len(extra) > 0 {
		if _, err := w.Write(extra); err != nil {
			return fmt.Errorf("socket.WriteFrame: extra: %w", err)
		}
	}
	return nil
}

// ReadFrame reads and decodes one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}

	lineSize := binary.BigEndian.Uint32(header[0:4])
	payloadSize := binary.BigEndian.Uint32(header[4:8])
	typ := bus.TypeID(binary.BigEndian.Uint32(header[8:12]))

	if lineSize > MaxFrameSize {
		return Frame{}, fmt.Errorf("socket.ReadFrame: line_size %d exceeds max frame size", lineSize)
	}
	if uint64(headerSize)+uint64(payloadSize) > uint64(lineSize) {
		return Frame{}, fmt.Errorf("socket.ReadFrame: payload_size %d inconsistent with line_size %d", payloadSize, lineSize)
	}

	payload := make([]byte, payloadSize)
	if payloadSize > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("socket.ReadFrame: payload: %w", err)
		}
	}

	extraSize := lineSize - headerSize - payloadSize
	var extra []byte
	if extraSize > 0 {
		extra = make([]byte, extraSize)
		if _, err := io.ReadFull(r, extra); err != nil {
			return Frame{}, fmt.Errorf("socket.ReadFrame: extra: %w", err)
		}
	}

	return Frame{LineSize: lineSize, Type: typ, Payload: payload, Extra: extra}, nil
}
