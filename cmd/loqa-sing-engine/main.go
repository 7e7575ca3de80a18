// Command loqa-sing-engine is the mock singing engine as a standalone
// program. It answers one stdio protocol request and exits, so it can back
// the exec engine mode or, built with GOOS=wasip1 GOARCH=wasm, the wasm mode.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/loqalabs/loqa-sing/internal/engine"
)

var version = "0.1.0-dev"

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version)
		return
	}

	hostLog("mock engine invocation")
	if err := engine.Serve(context.Background(), engine.NewMock(), os.Stdin, os.Stdout); err != nil {
		hostLog("request failed: " + err.Error())
		os.Exit(1)
	}
}
