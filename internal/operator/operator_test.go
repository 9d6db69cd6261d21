package operator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeHandler struct {
	statusText   string
	forceKickErr error
}

func (h *fakeHandler) Status() string        { return h.statusText }
func (h *fakeHandler) ForceKick() error      { return h.forceKickErr }
func (h *fakeHandler) ForceWakeup() error    { return nil }

func startTestServer(t *testing.T, handler CommandHandler) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "operator.sock")
	srv := NewServer(path, zap.NewNop(), handler)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return path
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("operator socket never became available")
	return ""
}

func sendRequest(t *testing.T, path string, req Request) Response {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return resp
}

func TestStatusCommand(t *testing.T) {
	path := startTestServer(t, &fakeHandler{statusText: "USER, uptime 123s"})
	resp := sendRequest(t, path, Request{Command: "status"})
	if !resp.OK || resp.Data != "USER, uptime 123s" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestForceKickPropagatesError(t *testing.T) {
	path := startTestServer(t, &fakeHandler{forceKickErr: errors.New("device busy")})
	resp := sendRequest(t, path, Request{Command: "force-kick"})
	if resp.OK || resp.Error != "device busy" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestUnknownCommand(t *testing.T) {
	path := startTestServer(t, &fakeHandler{})
	resp := sendRequest(t, path, Request{Command: "bogus"})
	if resp.OK {
		t.Fatalf("expected error for unknown command")
	}
}
