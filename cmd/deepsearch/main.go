package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "deepsearch"}

	root.AddCommand(serveCMD(), cleanupCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
