// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package discovery locates the InfluxDB server on the local network via
// mDNS/DNS-SD.
//
// Servers are expected to advertise "_influxdb._tcp" (or a configured service
// type). Optional TXT records refine the endpoint:
//   - scheme=https or tls=1: use HTTPS
//   - path=/prefix: URL path prefix when InfluxDB sits behind a proxy
//
// # Example Usage
//
//	resolver := discovery.NewResolver("_influxdb._tcp", "local.")
//	url, err := resolver.ResolveURL(ctx, 5*time.Second)
//	if err != nil {
//	    log.Fatal(err)
//	}
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/soothill/env-data-logger/pkg/logger"
)

// ErrNoEndpoint is returned when no server answered within the timeout
var ErrNoEndpoint = errors.New("no InfluxDB endpoint discovered")

// Endpoint is one advertised server
type Endpoint struct {
	Instance string
	Hostname string
	Address  net.IP
	Port     int
	TXT      map[string]string
}

// URL builds the base URL for the endpoint
func (e Endpoint) URL() string {
	scheme := "http"
	if strings.EqualFold(e.TXT["scheme"], "https") || e.TXT["tls"] == "1" || strings.EqualFold(e.TXT["tls"], "true") {
		scheme = "https"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(e.Address.String(), strconv.Itoa(e.Port)),
		Path:   strings.TrimRight(e.TXT["path"], "/"),
	}
	return u.String()
}

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Resolver browses for InfluxDB servers
type Resolver struct {
	serviceType string
	domain      string
	browse      browseFunc
}

// NewResolver creates a resolver for the given service type and domain
func NewResolver(serviceType, domain string) *Resolver {
	if serviceType == "" {
		serviceType = "_influxdb._tcp"
	}
	if domain == "" {
		domain = "local."
	}
	return &Resolver{
		serviceType: serviceType,
		domain:      domain,
		browse:      zeroconfBrowse,
	}
}

func zeroconfBrowse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to create resolver: %w", err)
	}
	return resolver.Browse(ctx, service, domain, entries)
}

// Browse collects advertised endpoints until the timeout expires, the
// context is cancelled, or limit endpoints have been found (limit <= 0
// waits for the full timeout). Results are sorted by instance name.
func (r *Resolver) Browse(ctx context.Context, timeout time.Duration, limit int) ([]Endpoint, error) {
	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so the resolver is not blocked while entries are parsed
	entries := make(chan *zeroconf.ServiceEntry, 10)
	if err := r.browse(browseCtx, r.serviceType, r.domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse: %w", err)
	}

	seen := make(map[string]bool)
	var found []Endpoint
collect:
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				break collect
			}
			ep := parseServiceEntry(entry)
			if ep == nil || seen[ep.Instance] {
				continue
			}
			seen[ep.Instance] = true
			found = append(found, *ep)
			logger.Info().
				Str("instance", ep.Instance).
				Str("url", ep.URL()).
				Msg("Discovered InfluxDB endpoint")
			if limit > 0 && len(found) >= limit {
				break collect
			}
		case <-browseCtx.Done():
			break collect
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i].Instance < found[j].Instance })
	return found, nil
}

// ResolveURL returns the URL of the first server that answers
func (r *Resolver) ResolveURL(ctx context.Context, timeout time.Duration) (string, error) {
	endpoints, err := r.Browse(ctx, timeout, 1)
	if err != nil {
		return "", err
	}
	if len(endpoints) == 0 {
		return "", fmt.Errorf("%w: %s in %s after %s", ErrNoEndpoint, r.serviceType, r.domain, timeout)
	}
	return endpoints[0].URL(), nil
}

// parseServiceEntry converts a zeroconf service entry to an Endpoint
func parseServiceEntry(entry *zeroconf.ServiceEntry) *Endpoint {
	if entry == nil || entry.Port <= 0 {
		return nil
	}
	if len(entry.AddrIPv4) == 0 && len(entry.AddrIPv6) == 0 {
		return nil
	}

	// Prefer IPv4, fallback to IPv6
	var addr net.IP
	if len(entry.AddrIPv4) > 0 {
		addr = entry.AddrIPv4[0]
	} else {
		addr = entry.AddrIPv6[0]
	}

	return &Endpoint{
		Instance: entry.Instance,
		Hostname: entry.HostName,
		Address:  addr,
		Port:     entry.Port,
		TXT:      parseTXT(entry.Text),
	}
}

func parseTXT(records []string) map[string]string {
	txt := make(map[string]string, len(records))
	for _, rec := range records {
		if k, v, ok := strings.Cut(rec, "="); ok && k != "" {
			txt[strings.ToLower(k)] = v
		}
	}
	return txt
}
