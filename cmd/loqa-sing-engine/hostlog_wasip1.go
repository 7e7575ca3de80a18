//go:build wasip1

package main

import "unsafe"

// hostLog forwards text to the embedding runtime through env.host_log.
func hostLog(msg string) {
	if len(msg) == 0 {
		return
	}
	b := []byte(msg)
	hostLogImport(unsafe.Pointer(&b[0]), uint32(len(b)))
}

//go:wasmimport env host_log
func hostLogImport(ptr unsafe.Pointer, length uint32)
