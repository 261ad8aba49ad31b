// Command mainthread runs the control plane: it loads configuration,
// opens the durable store, wires the App, and serves the HTTP surface
// until an OS signal asks it to stop.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mainthread-dev/mainthread/internal/logging"
)

func main() {
	logging.Setup()

	if len(os.Args) < 2 {
		if err := runServe(os.Args[1:]); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		if len(os.Args[1]) > 0 && os.Args[1][0] == '-' {
			if err := runServe(os.Args[1:]); err != nil {
				slog.Error("fatal", "error", err)
				os.Exit(1)
			}
			return
		}
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "usage: mainthread [serve|version] [flags]\n")
		os.Exit(1)
	}
}
