package main

import (
	"os"

	"github.com/blujedis/knect-mongo-sub000/cmd"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
