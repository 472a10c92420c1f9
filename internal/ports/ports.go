package ports

import (
	"errors"
	"fmt"
	"net"
)

// maxPairAttempts bounds the RTP/RTCP probe loop so that port pressure
// surfaces as an error instead of a livelock.
const maxPairAttempts = 200

// ErrPortAllocation is returned when no suitable port could be found within
// the attempt budget.
var ErrPortAllocation = errors.New("port allocation exhausted")

// AllocateTCPPort binds an ephemeral TCP port, releases it, and returns the
// port number. The port is free at probe time only; a caller that binds it
// later must treat a bind failure as retryable, not fatal.
func AllocateTCPPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("probe tcp port: %w", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		return 0, fmt.Errorf("release tcp port %d: %w", port, err)
	}
	return port, nil
}

// AllocateRTPRTCPPair finds an adjacent even/odd UDP port pair for RTP/RTCP.
// It probes an ephemeral UDP port, discards odd results, and keeps only pairs
// where port+1 can also be bound. Returns ErrPortAllocation (wrapped) after
// maxPairAttempts failed probes.
func AllocateRTPRTCPPair() (rtp, rtcp int, err error) {
	for attempt := 0; attempt < maxPairAttempts; attempt++ {
		base, baseConn, err := probeUDP(0)
		if err != nil {
			return 0, 0, fmt.Errorf("probe udp port: %w", err)
		}

		if base%2 != 0 {
			baseConn.Close()
			continue
		}

		_, adjConn, err := probeUDP(base + 1)
		if err != nil {
			// RTCP port taken; discard this pair and try again.
			baseConn.Close()
			continue
		}

		baseConn.Close()
		adjConn.Close()
		return base, base + 1, nil
	}
	return 0, 0, fmt.Errorf("no even/odd udp pair after %d attempts: %w", maxPairAttempts, ErrPortAllocation)
}

// probeUDP binds a UDP port (0 for ephemeral) and returns the bound port and
// the open connection. The caller closes the connection to release the port.
func probeUDP(port int) (int, *net.UDPConn, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return 0, nil, err
	}
	return conn.LocalAddr().(*net.UDPAddr).Port, conn, nil
}
