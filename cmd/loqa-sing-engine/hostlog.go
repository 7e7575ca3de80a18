//go:build !wasip1

package main

import (
	"fmt"
	"os"
)

func hostLog(msg string) {
	if os.Getenv("LOQA_SING_ENGINE_DEBUG") != "" {
		fmt.Fprintln(os.Stderr, msg)
	}
}
