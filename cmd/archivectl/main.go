// Command archivectl operates on an agent-mail archive's write-behind
// queue, commit coalescer, and two-level lock from outside the embedding
// server process: flushing pending writes, healing stale advisory locks,
// running the read-only consistency check, and reporting counters.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
