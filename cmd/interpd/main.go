// interpd runs interpreter processes for notebook paragraphs.
//
// The serve command starts the daemon; the other commands talk to a running
// daemon over its HTTP API.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
