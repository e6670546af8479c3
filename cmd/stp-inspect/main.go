// Command stp-inspect is a Bubble Tea TUI that browses a stp-proxyd
// instance's HTTP façade: the discovered service catalog on the left, and
// a scrolling log of delivered messages on the right. It plays the role
// the teacher's server/server.go gRPC Watch stream fed into tui/model.go,
// reshaped onto the façade this repository already exposes (see
// DESIGN.md for why no second, gRPC-based transport was added).
package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
)

var version = "dev"

func main() {
	fs := flag.NewFlagSet("stp-inspect", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "stp-inspect — browse live STP traffic\n\nUsage:\n  stp-inspect [flags] <facade-addr>\n\nFlags:\n")
		fs.PrintDefaults()
	}

	showVersion := fs.Bool("version", false, "show version and exit")

	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("stp-inspect %s\n", version)
		return
	}

	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(1)
	}

	p := tea.NewProgram(newModel(fs.Arg(0)), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "stp-inspect: %v\n", err)
		os.Exit(1)
	}
}
