// Command signalcore runs the trading signal core and its operator tools.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/sunil55999/AISignalPro-sub001/internal/cli"
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
