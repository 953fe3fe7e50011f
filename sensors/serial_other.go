// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build !linux

package sensors

import (
	"io"
	"os"
)

// openSerial opens the device as-is; line settings must be configured
// outside the process on this platform.
func openSerial(path string) (io.ReadCloser, error) {
	return os.OpenFile(path, os.O_RDWR, 0)
}
