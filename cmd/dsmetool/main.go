// Command dsmetool is the DSME administrative client: it sends state and
// log-level change requests over the documented bus socket framing, and
// performs a couple of operations (RTC alarm clear, version print) that
// don't need the daemon at all.
//
// Usage:
//
//	dsmetool --reboot
//	dsmetool --telinit <runlevel>
//	dsmetool --loglevel <0-7>
//	dsmetool --clear-rtc
//	dsmetool --version
//	dsmetool --start-dbus | --stop-dbus   (unsupported, exits 1)
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vigilon/dsmed/internal/bus"
	"github.com/vigilon/dsmed/internal/config"
	"github.com/vigilon/dsmed/internal/socket"
	"github.com/vigilon/dsmed/internal/state"
)

// RTC_AIE_OFF ioctl number (_IO('p', 0x02)) from linux/rtc.h, reproduced
// here for the same reason internal/hwwd reproduces the watchdog ioctls:
// golang.org/x/sys/unix does not export driver-specific request numbers.
const (
	rtcAIEOff = 0x7002
)

func main() {
	reboot := flag.Bool("reboot", false, "Request a transition to REBOOT")
	telinit := flag.String("telinit", "", "Change runlevel (user|actdead)")
	loglevel := flag.Int("loglevel", -1, "Set daemon log verbosity (0-7)")
	clearRTC := flag.Bool("clear-rtc", false, "Disable any pending RTC wake alarm on /dev/rtc0")
	version := flag.Bool("version", false, "Print dsmetool version and exit")
	startDBus := flag.Bool("start-dbus", false, "Unsupported")
	stopDBus := flag.Bool("stop-dbus", false, "Unsupported")
	socketPath := flag.String("socket", config.DefaultSocketPath, "Path to the DSME bus socket")
	rtcPath := flag.String("rtc", "/dev/rtc0", "Path to the RTC device node")
	flag.Parse()

	if *startDBus || *stopDBus {
		fmt.Fprintln(os.Stderr, "unsupported: D-Bus transport is out of scope for this build")
		os.Exit(1)
	}

	if *version {
		fmt.Printf("dsmetool %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		return
	}

	if *clearRTC {
		if err := clearRTCAlarm(*rtcPath); err != nil {
			fmt.Fprintf(os.Stderr, "dsmetool: clear-rtc: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("RTC wake alarm cleared")
		return
	}

	if !*reboot && *telinit == "" && *loglevel < 0 {
		fmt.Fprintln(os.Stderr, "dsmetool: no action requested (see -h)")
		os.Exit(1)
	}

	conn, err := net.Dial("unix", *socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dsmetool: dial %s: %v\n", *socketPath, err)
		os.Exit(1)
	}
	defer conn.Close()

	if *reboot {
		if err := socket.WriteFrame(conn, bus.TypeStateChangeReq, []byte{byte(state.Reboot)}, nil); err != nil {
			fmt.Fprintf(os.Stderr, "dsmetool: reboot request: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("reboot requested")
	}

	if *telinit != "" {
		target, ok := runlevelState(*telinit)
		if !ok {
			fmt.Fprintf(os.Stderr, "dsmetool: unknown runlevel %q\n", *telinit)
			os.Exit(1)
		}
		if err := socket.WriteFrame(conn, bus.TypeChangeRunlevel, []byte{byte(target)}, nil); err != nil {
			fmt.Fprintf(os.Stderr, "dsmetool: telinit request: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("runlevel change to %s requested\n", *telinit)
	}

	if *loglevel >= 0 {
		if err := socket.WriteFrame(conn, bus.TypeLoggingVerbosity, []byte{byte(*loglevel)}, nil); err != nil {
			fmt.Fprintf(os.Stderr, "dsmetool: loglevel request: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("log level set to %d\n", *loglevel)
	}
}

func runlevelState(name string) (state.State, bool) {
	switch name {
	case "user":
		return state.User, true
	case "actdead":
		return state.ActDead, true
	default:
		return 0, false
	}
}

// clearRTCAlarm disables any pending RTC wake alarm, so a prior
// power-on-timer or scheduled-wake request does not fire unexpectedly.
func clearRTCAlarm(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), rtcAIEOff, uintptr(unsafe.Pointer(nil))); errno != 0 {
		return fmt.Errorf("RTC_AIE_OFF ioctl: %w", errno)
	}
	return nil
}
