// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build linux

package sensors

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// openSerial opens a tty in raw 9600 8N1 mode. Reads time out after two
// seconds of silence so a disconnected sensor cannot stall a tick.
func openSerial(path string) (io.ReadCloser, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, err
	}

	fd := int(f.Fd())
	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	tio.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	tio.Oflag &^= unix.OPOST
	tio.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	tio.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CBAUD
	tio.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | unix.B9600
	tio.Ispeed = unix.B9600
	tio.Ospeed = unix.B9600
	tio.Cc[unix.VMIN] = 0
	tio.Cc[unix.VTIME] = 20

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, tio); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &timeoutReader{f: f}, nil
}

// timeoutReader turns the zero-length read a VTIME expiry produces into an
// error instead of a silent EOF.
type timeoutReader struct {
	f *os.File
}

func (r *timeoutReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if n == 0 && (err == nil || err == io.EOF) {
		return 0, os.ErrDeadlineExceeded
	}
	return n, err
}

func (r *timeoutReader) Close() error {
	return r.f.Close()
}
