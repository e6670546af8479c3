// Command stp-proxy is a thin terminal client for the façade stp-proxyd
// exposes: it long-polls GET /get-message and prints every frame as it
// arrives, the Go-native counterpart of the teacher's top-level
// "watch query traffic" entry point.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/kaidoh/stp-proxy/pretty"
)

var version = "dev"

func main() {
	fs := flag.NewFlagSet("stp-proxy", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "stp-proxy — watch STP traffic in real-time\n\nUsage:\n  stp-proxy [flags] <facade-addr>\n\nFlags:\n")
		fs.PrintDefaults()
	}

	showVersion := fs.Bool("version", false, "show version and exit")

	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("stp-proxy %s\n", version)
		return
	}

	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(1)
	}

	watch(fs.Arg(0))
}

func watch(addr string) {
	client := &http.Client{Timeout: 35 * time.Second}
	url := "http://" + addr + "/get-message"

	for {
		resp, err := client.Get(url)
		if err != nil {
			fmt.Fprintf(os.Stderr, "stp-proxy: %v\n", err)
			time.Sleep(time.Second)
			continue
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "stp-proxy: %v\n", err)
			continue
		}

		text := string(body)
		switch text {
		case "<timeout/>":
			continue
		case "<connection-reset/>":
			fmt.Fprintln(os.Stderr, "stp-proxy: host connection reset")
			time.Sleep(time.Second)
			continue
		case "<bad/>":
			continue
		}

		svc := resp.Header.Get("X-Scope-Message-Service")
		if resp.Header.Get("Content-Type") == "application/json" {
			fmt.Printf("[%s] %s\n", svc, pretty.JSON(text))
		} else {
			fmt.Printf("[%s] %s\n", svc, pretty.XML(text))
		}
	}
}
