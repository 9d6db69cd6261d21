// Command waitfordsme blocks until the DSME daemon's operator socket is
// accepting connections and responds to a status query, then exits 0. It
// exits 1 if the daemon is not reachable within the timeout, for use in
// service unit ordering (mirroring the historical waitfordsme helper used
// by services that must not start before dsme has classified the boot).
//
// Usage: waitfordsme [-socket /run/dsme/operator.sock] [-timeout 30s]
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/vigilon/dsmed/internal/config"
	"github.com/vigilon/dsmed/internal/operator"
)

func main() {
	socketPath := flag.String("socket", config.DefaultOperatorSocket, "Path to the DSME operator socket")
	timeout := flag.Duration("timeout", 30*time.Second, "Maximum time to wait for the daemon to become ready")
	flag.Parse()

	deadline := time.Now().Add(*timeout)
	var lastErr error

	for time.Now().Before(deadline) {
		if ok, err := probe(*socketPath); ok {
			fmt.Println("dsme ready")
			return
		} else {
			lastErr = err
		}
		time.Sleep(500 * time.Millisecond)
	}

	fmt.Fprintf(os.Stderr, "waitfordsme: timed out waiting for %s: %v\n", *socketPath, lastErr)
	os.Exit(1)
}

func probe(path string) (bool, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	req := operator.Request{Command: "status"}
	data, err := json.Marshal(req)
	if err != nil {
		return false, err
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return false, err
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return false, err
	}
	var resp operator.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return false, err
	}
	return resp.OK, nil
}
