package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/quatton/qbench/apps/qbench/cmd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "qbench crashed: %v\n", r)
			if os.Getenv("QBENCH_DEBUG") != "" {
				debug.PrintStack()
			}
			os.Exit(2)
		}
	}()

	cmd.Execute()
}
