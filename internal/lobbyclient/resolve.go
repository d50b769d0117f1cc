package lobbyclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/phuslu/log"
)

var ErrNoIPv4Address = errors.New("no ipv4 address")

// ResolveServerAddr resolves host:port once. Resolution blocks. Only ipv4 is
// supported; other addresses are discarded with a warning and when there is
// more than one candidate the first one is picked.
func ResolveServerAddr(address string, logger *log.Logger) (*net.UDPAddr, error) {
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("could not split host and port: %w", err)
	}

	port, err := net.LookupPort("udp", portStr)
	if err != nil {
		return nil, fmt.Errorf("could not lookup port: %w", err)
	}

	ipAddrs, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
	if err != nil {
		return nil, fmt.Errorf("could not lookup host: %w", err)
	}

	candidates := make([]net.IP, 0, len(ipAddrs))
	for _, ipAddr := range ipAddrs {
		ip4 := ipAddr.IP.To4()
		if ip4 == nil {
			logger.Warn().
				Str("addr", ipAddr.String()).
				Msg("discarding non-ipv4 address, ipv6 is not supported")
			continue
		}
		candidates = append(candidates, ip4)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w for %q", ErrNoIPv4Address, host)
	}
	if len(candidates) > 1 {
		logger.Warn().
			Str("host", host).
			Int("candidates", len(candidates)).
			Str("chosen", candidates[0].String()).
			Msg("host resolved to multiple addresses, picking the first one")
	}

	return &net.UDPAddr{IP: candidates[0], Port: port}, nil
}
