package main

import (
	"os"

	"github.com/maxkimambo/taskflow/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		// Execute has already printed the error
		os.Exit(1)
	}
}
