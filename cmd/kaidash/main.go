package main

import (
	"fmt"
	"os"

	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/cmd/root"
)

func main() {
	if err := root.NewCmdRoot().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to exec kaidash: %s\n", fmt.Sprintf("%+v", err))
		os.Exit(1)
	}
}
