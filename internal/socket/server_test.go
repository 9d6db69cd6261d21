package socket

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vigilon/dsmed/internal/bus"
)

func TestServerBridgesFrameOntoBus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dsme.sock")
	k := bus.NewKernel(zap.NewNop())

	received := make(chan bus.Message, 1)
	if err := k.Load(&bus.Module{
		Name: "test",
		Handlers: map[bus.TypeID]bus.Handler{
			bus.TypeProcessWDPong: func(k *bus.Kernel, msg bus.Message) {
				received <- msg
			},
		},
	}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	srv := NewServer(path, zap.NewNop(), k)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := srv.Serve(ctx); err != nil {
			t.Logf("Serve exited: %v", err)
		}
	}()

	waitForSocket(t, path)

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := WriteFrame(conn, bus.TypeProcessWDPong, []byte("app1"), nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		k.Process()
		select {
		case msg := <-received:
			if msg.Type != bus.TypeProcessWDPong || string(msg.Payload.([]byte)) != "app1" {
				t.Fatalf("unexpected message: %+v", msg)
			}
			return
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	t.Fatalf("message never reached the bus")
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("socket %s never became available", path)
}
