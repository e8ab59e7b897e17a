// Command daedalus executes workflow nodes from the command line, over HTTP or
// as a JetStream worker.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
