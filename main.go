/*
Copyright © 2026 ddn0
*/
package main

import (
	"fmt"
	"os"

	"github.com/ddn0/cloudpickle-generators/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
