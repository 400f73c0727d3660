package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/dns/dnsmessage"
)

const (
	defaultControllerHostname = "irrigation.local."
	discoveryTimeout          = 60 * time.Second
	queryInterval             = 2 * time.Second
	mdnsAddress               = "224.0.0.251:5353"
	mdnsReadTimeout           = 100 * time.Millisecond
	maxBufSize                = 1500
)

var errControllerNotFound = errors.New("controller not found on network")

// DiscoverController resolves hostname (for example irrigation.local.) with
// multicast DNS A queries and returns the first IPv4 address answered. It
// gives up after discoveryTimeout or when ctx is done.
func DiscoverController(ctx context.Context, hostname string, logger *zap.SugaredLogger) (string, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.Named("discovery")
	hostname = canonicalHostname(hostname)

	mcastAddr, err := net.ResolveUDPAddr("udp4", mdnsAddress)
	if err != nil {
		return "", fmt.Errorf("failed to resolve mDNS address: %w", err)
	}

	iface, err := multicastInterface(logger)
	if err != nil {
		logger.Debugw("Could not pick a multicast interface, using default", "error", err)
	}

	conn, err := net.ListenMulticastUDP("udp4", iface, mcastAddr)
	if err != nil {
		return "", fmt.Errorf("failed to create multicast UDP listener: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	return awaitHostnameAnswer(ctx, conn, mcastAddr, hostname, logger)
}

// canonicalHostname lower-cases the name and makes it fully qualified.
func canonicalHostname(hostname string) string {
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return defaultControllerHostname
	}
	if !strings.HasSuffix(hostname, ".") {
		hostname += "."
	}
	return hostname
}

// multicastInterface prefers an up, multicast-capable, non-loopback
// interface that has an IPv4 address, then any up multicast interface.
func multicastInterface(logger *zap.SugaredLogger) (*net.Interface, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	for i := range interfaces {
		iface := &interfaces[i]
		if canMulticast(iface) && iface.Flags&net.FlagLoopback == 0 && hasIPv4(iface) {
			logger.Debugw("Using interface for mDNS", "interface", iface.Name)
			return iface, nil
		}
	}
	for i := range interfaces {
		if canMulticast(&interfaces[i]) {
			logger.Debugw("Using fallback interface for mDNS", "interface", interfaces[i].Name)
			return &interfaces[i], nil
		}
	}

	return nil, errors.New("no suitable multicast interface found")
}

func canMulticast(iface *net.Interface) bool {
	return iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagMulticast != 0
}

func hasIPv4(iface *net.Interface) bool {
	addrs, err := iface.Addrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.To4() != nil {
			return true
		}
	}
	return false
}

// buildHostnameQuery packs a single-question A query for hostname.
func buildHostnameQuery(hostname string) ([]byte, error) {
	name, err := dnsmessage.NewName(hostname)
	if err != nil {
		return nil, fmt.Errorf("invalid hostname %q: %w", hostname, err)
	}

	msg := dnsmessage.Message{
		Questions: []dnsmessage.Question{
			{Name: name, Type: dnsmessage.TypeA, Class: dnsmessage.ClassINET},
		},
	}
	packed, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("failed to pack DNS message: %w", err)
	}
	return packed, nil
}

// awaitHostnameAnswer re-sends the query every queryInterval and reads
// answers until one matches hostname or ctx ends.
func awaitHostnameAnswer(ctx context.Context, conn *net.UDPConn, dst *net.UDPAddr, hostname string, logger *zap.SugaredLogger) (string, error) {
	query, err := buildHostnameQuery(hostname)
	if err != nil {
		return "", err
	}

	buffer := make([]byte, maxBufSize)
	var lastQuery time.Time
	queries := 0

	for ctx.Err() == nil {
		if time.Since(lastQuery) >= queryInterval {
			queries++
			logger.Debugw("Sending mDNS query", "hostname", hostname, "attempt", queries)
			if _, err := conn.WriteTo(query, dst); err != nil {
				return "", fmt.Errorf("failed to send mDNS query: %w", err)
			}
			lastQuery = time.Now()
		}

		if err := conn.SetReadDeadline(time.Now().Add(mdnsReadTimeout)); err != nil {
			return "", fmt.Errorf("failed to set read deadline: %w", err)
		}
		n, _, err := conn.ReadFrom(buffer)
		if err != nil {
			continue
		}
		if ip, ok := matchAnswer(buffer[:n], hostname); ok {
			return ip, nil
		}
	}

	return "", fmt.Errorf("%w: no answer for %s after %d queries. Ensure the controller is powered on and on the same network",
		errControllerNotFound, hostname, queries)
}

// matchAnswer returns the IPv4 address from the first A record for hostname.
func matchAnswer(data []byte, hostname string) (string, bool) {
	var response dnsmessage.Message
	if err := response.Unpack(data); err != nil {
		return "", false
	}
	if !response.Header.Response {
		return "", false
	}

	for _, answer := range response.Answers {
		if answer.Header.Type != dnsmessage.TypeA {
			continue
		}
		if !strings.EqualFold(answer.Header.Name.String(), hostname) {
			continue
		}
		if a, ok := answer.Body.(*dnsmessage.AResource); ok {
			return net.IP(a.A[:]).String(), true
		}
	}
	return "", false
}
