// Command kickwd is a minimal client for the external message-bus socket:
// it connects and sends a manual hardware-watchdog kick request, useful
// for exercising the external-kicker test path without waiting for the
// daemon's next scheduled kick period.
//
// Usage: kickwd [-socket /run/dsme/dsme.sock]
package main

import (
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/vigilon/dsmed/internal/bus"
	"github.com/vigilon/dsmed/internal/config"
	"github.com/vigilon/dsmed/internal/socket"
)

func main() {
	socketPath := flag.String("socket", config.DefaultSocketPath, "Path to the DSME bus socket")
	flag.Parse()

	conn, err := net.Dial("unix", *socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kickwd: dial %s: %v\n", *socketPath, err)
		os.Exit(1)
	}
	defer conn.Close()

	if err := socket.WriteFrame(conn, bus.TypeHWWDKickReq, nil, nil); err != nil {
		fmt.Fprintf(os.Stderr, "kickwd: request: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("kick requested")
}
