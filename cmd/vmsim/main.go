// Command vmsim builds a virtual memory manager and drives a synthetic
// multi-process workload through it.
package main

import "github.com/tebeka/atexit"

func main() {
	if err := rootCmd.Execute(); err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}
