// Command bootstate classifies the current boot and prints the resulting
// operating state to stdout, mirroring the historical getbootstate tool.
//
// Usage: bootstate [-f] [-cmdline /proc/cmdline]
//
// With no flags, bootstate classifies the boot and prints one of the
// eight state tokens (BOOT, USER, ACTDEAD, SHUTDOWN, REBOOT, MALF, TEST,
// LOCAL) to stdout; it never consults or writes the saved-state file.
// -f (force) additionally writes the classification to the saved-state
// file unconditionally, overwriting whatever a prior boot left there —
// used by early boot scripts that need the file to exist before dsmed
// itself has started.
//
// Exit codes: 0 on success (state printed), 1 on classification failure
// or, with -f, on failure to write the saved-state file.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/vigilon/dsmed/internal/bootsel"
	"github.com/vigilon/dsmed/internal/config"
	"github.com/vigilon/dsmed/internal/platform"
)

func main() {
	force := flag.Bool("f", false, "Force-write the saved-state file with this classification")
	cmdlinePath := flag.String("cmdline", config.DefaultCmdlinePath, "Path to the kernel cmdline file")
	savedStatePath := flag.String("saved-state", config.DefaultSavedStateFile, "Path to the saved-state file (only written with -f)")
	flag.Parse()

	st, mode, reason, err := bootsel.Classify(*cmdlinePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstate: classification failed: %v\n", err)
		os.Exit(1)
	}

	if *force {
		if err := platform.WriteFileAtomic(*savedStatePath, []byte(st.String()+"\n"), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "bootstate: failed to write saved state: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("%s\n", st.String())
	fmt.Fprintf(os.Stderr, "mode=%s reason=%s\n", mode, reason)
}
