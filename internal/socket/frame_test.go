package socket

import (
	"bytes"
	"testing"

	"github.com/vigilon/dsmed/internal/bus"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte{1, 2, 3, 4}
	extra := []byte("proc-name")

	if err := WriteFrame(&buf, bus.TypeProcessWDPing, payload, extra); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	f, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Type != bus.TypeProcessWDPing {
		t.Fatalf("Type = %v, want %v", f.Type, bus.TypeProcessWDPing)
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Fatalf("Payload = %v, want %v", f.Payload, payload)
	}
	if !bytes.Equal(f.Extra, extra) {
		t.Fatalf("Extra = %v, want %v", f.Extra, extra)
	}
}

func TestWriteReadFrameNoPayloadOrExtra(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, bus.TypeIdle, nil, nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	f, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(f.Payload) != 0 || len(f.Extra) != 0 {
		t.Fatalf("expected empty payload/extra, got %v / %v", f.Payload, f.Extra)
	}
}

func TestReadFrameRejectsOversizedLineSize(t *testing.T) {
	var buf bytes.Buffer
	header := make([]byte, headerSize)
	header[0] = 0xFF // absurdly large line_size (big-endian top byte)
	buf.Write(header)

	if _, err := ReadFrame(&buf); err == nil {
		t.Fatalf("expected error for oversized line_size")
	}
}

func TestReadFrameRejectsInconsistentSizes(t *testing.T) {
	var buf bytes.Buffer
	header := make([]byte, headerSize)
	// line_size = header only (12), but payload_size claims 100.
	header[3] = 12
	header[7] = 100
	buf.Write(header)

	if _, err := ReadFrame(&buf); err == nil {
		t.Fatalf("expected error for inconsistent payload_size/line_size")
	}
}

func TestMultipleFramesSequentialRead(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, bus.TypeHeartbeat, []byte("a"), nil); err != nil {
		t.Fatalf("WriteFrame 1: %v", err)
	}
	if err := WriteFrame(&buf, bus.TypeHeartbeatStop, []byte("bb"), nil); err != nil {
		t.Fatalf("WriteFrame 2: %v", err)
	}

	f1, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame 1: %v", err)
	}
	if f1.Type != bus.TypeHeartbeat || string(f1.Payload) != "a" {
		t.Fatalf("frame 1 mismatch: %+v", f1)
	}

	f2, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame 2: %v", err)
	}
	if f2.Type != bus.TypeHeartbeatStop || string(f2.Payload) != "bb" {
		t.Fatalf("frame 2 mismatch: %+v", f2)
	}
}
