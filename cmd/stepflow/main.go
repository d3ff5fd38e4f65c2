// Command stepflow starts, resumes and inspects runs of the built-in
// workflows against a durable run store.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
