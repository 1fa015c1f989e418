package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/portmux/chmux/internal/cmdutil"
	"github.com/portmux/chmux/pkg/logging"
)

// rootCommand is the chmux command line entry point.
var rootCommand = &cobra.Command{
	Use:          "chmux",
	Short:        "Run a chmux echo listener or dialer",
	SilenceUsage: true,
}

var rootConfiguration struct {
	// help indicates whether or not help information was requested.
	help bool
}

func main() {
	cmdutil.HandleTerminalCompatibility()

	// Load environment variables from a .env file in the working directory,
	// if one exists, and re-evaluate the debug flag: logging reads
	// CHMUX_DEBUG at package initialization, before the file is loaded.
	godotenv.Load()
	logging.DebugEnabled = os.Getenv("CHMUX_DEBUG") != ""

	rootCommand.AddCommand(listenCommand, dialCommand)

	rootCommand.PersistentFlags().BoolVarP(&rootConfiguration.help, "help", "h", false, "Show help information")

	if err := rootCommand.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
