// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package netstatus reports network reachability and wireless link quality.
package netstatus

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/soothill/env-data-logger/pkg/errors"
	"github.com/soothill/env-data-logger/pkg/interfaces"
	"github.com/soothill/env-data-logger/pkg/logger"
	"github.com/soothill/env-data-logger/pkg/metrics"
)

const (
	defaultProbeAddress = "8.8.8.8:53"
	defaultProbeTimeout = 2 * time.Second
	defaultWirelessPath = "/proc/net/wireless"

	// Linux wireless extensions report link quality out of 70
	maxLinkQuality = 70.0
)

// Options configures a Checker
type Options struct {
	ProbeAddress string
	ProbeTimeout time.Duration
	Interface    string
	WirelessPath string
}

// Checker probes reachability with a TCP connect and reads link quality
// from the kernel's wireless statistics.
type Checker struct {
	probeAddress string
	probeTimeout time.Duration
	iface        string
	wirelessPath string
	dial         func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewChecker creates a Checker, filling unset options with defaults
func NewChecker(opts Options) *Checker {
	c := &Checker{
		probeAddress: opts.ProbeAddress,
		probeTimeout: opts.ProbeTimeout,
		iface:        opts.Interface,
		wirelessPath: opts.WirelessPath,
	}
	if c.probeAddress == "" {
		c.probeAddress = defaultProbeAddress
	}
	if c.probeTimeout <= 0 {
		c.probeTimeout = defaultProbeTimeout
	}
	if c.wirelessPath == "" {
		c.wirelessPath = defaultWirelessPath
	}
	dialer := &net.Dialer{}
	c.dial = dialer.DialContext
	return c
}

// IsConnected reports whether a TCP connection to the probe address succeeds
// within the probe timeout.
func (c *Checker) IsConnected(ctx context.Context) bool {
	err := c.Probe(ctx)
	if err != nil {
		logger.Debug().Err(err).Msg("Connectivity probe failed")
		metrics.NetworkConnected.Set(0)
		return false
	}
	metrics.NetworkConnected.Set(1)
	return true
}

// Probe dials the probe address and returns the failure, if any
func (c *Checker) Probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	conn, err := c.dial(probeCtx, "tcp", c.probeAddress)
	if err != nil {
		return apperrors.NewNetworkError("probe", c.probeAddress, err)
	}
	_ = conn.Close()
	return nil
}

// LinkQuality returns the signal level and link quality of the configured
// interface. Both values are absent when no interface is configured or the
// platform does not expose wireless statistics.
func (c *Checker) LinkQuality(_ context.Context) interfaces.LinkQuality {
	if c.iface == "" {
		return interfaces.LinkQuality{}
	}

	lq, err := readWireless(c.wirelessPath, c.iface)
	if err != nil {
		logger.Debug().Err(err).Str("interface", c.iface).Msg("Link quality unavailable")
		return interfaces.LinkQuality{}
	}

	if lq.HasSignal {
		metrics.WifiSignalLevel.Set(lq.SignalDBm)
	}
	if lq.HasQuality {
		metrics.WifiLinkQuality.Set(lq.QualityPercent)
	}
	return lq
}

var errInterfaceNotFound = errors.New("interface not listed")

// readWireless parses the /proc/net/wireless table:
//
//	Inter-| sta-|   Quality        |   Discarded packets               | Missed | WE
//	 face | tus | link level noise |  nwid  crypt   frag  retry   misc | beacon | 22
//	 wlan0: 0000   54.  -56.  -256        0      0      0      0     0        0
func readWireless(path, iface string) (interfaces.LinkQuality, error) {
	f, err := os.Open(path)
	if err != nil {
		return interfaces.LinkQuality{}, err
	}
	defer func() {
		_ = f.Close()
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name, rest, ok := strings.Cut(strings.TrimSpace(scanner.Text()), ":")
		if !ok || name != iface {
			continue
		}
		return parseWirelessLine(rest)
	}
	if err := scanner.Err(); err != nil {
		return interfaces.LinkQuality{}, err
	}
	return interfaces.LinkQuality{}, fmt.Errorf("%s: %w", iface, errInterfaceNotFound)
}

func parseWirelessLine(rest string) (interfaces.LinkQuality, error) {
	cols := strings.Fields(rest)
	if len(cols) < 3 {
		return interfaces.LinkQuality{}, fmt.Errorf("short wireless line %q", rest)
	}

	var lq interfaces.LinkQuality
	if link, err := parseWirelessValue(cols[1]); err == nil {
		lq.QualityPercent = link * 100 / maxLinkQuality
		lq.HasQuality = true
	}
	if level, err := parseWirelessValue(cols[2]); err == nil {
		// Older drivers report the level as an unsigned byte
		if level >= 128 {
			level -= 256
		}
		lq.SignalDBm = level
		lq.HasSignal = true
	}
	if !lq.HasQuality && !lq.HasSignal {
		return lq, fmt.Errorf("unparseable wireless line %q", rest)
	}
	return lq, nil
}

// parseWirelessValue strips the trailing '.' the kernel appends to updated values
func parseWirelessValue(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimRight(s, ".*"), 64)
}
