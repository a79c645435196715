// Package tor runs an embedded Tor process so a node can publish its
// listener as a v3 hidden service and dial other nodes' .onion addresses
// through the SOCKS proxy. Entirely optional: the core mesh never
// depends on it.
package tor

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/cretz/bine/tor"
	"golang.org/x/net/proxy"
)

const socksWait = 30 * time.Second

// Service is a running embedded Tor instance with one hidden service.
type Service struct {
	t       *tor.Tor
	onion   *tor.OnionService
	dataDir string

	// OnionAddress is the public "<id>.onion" address peers dial.
	OnionAddress string
	// SocksAddr is the local SOCKS5 proxy endpoint.
	SocksAddr string
}

// Start launches Tor with a temporary data directory and publishes a v3
// hidden service on remotePort. The returned service's Listener accepts
// the connections arriving over Tor.
func Start(ctx context.Context, remotePort int) (*Service, error) {
	socksPort := randomHighPort()
	dataDir, err := os.MkdirTemp("", "meshchat-tor-*")
	if err != nil {
		return nil, fmt.Errorf("tor: data dir: %w", err)
	}

	t, err := tor.Start(ctx, &tor.StartConf{
		DataDir:   dataDir,
		ExtraArgs: []string{"--SocksPort", strconv.Itoa(socksPort)},
	})
	if err != nil {
		os.RemoveAll(dataDir)
		return nil, fmt.Errorf("tor: start: %w", err)
	}

	if err := t.EnableNetwork(ctx, true); err != nil {
		t.Close()
		os.RemoveAll(dataDir)
		return nil, fmt.Errorf("tor: enable network: %w", err)
	}

	socksAddr := fmt.Sprintf("127.0.0.1:%d", socksPort)
	if !waitForSocks(socksAddr, socksWait) {
		t.Close()
		os.RemoveAll(dataDir)
		return nil, fmt.Errorf("tor: SOCKS5 proxy never came up on %s", socksAddr)
	}

	onion, err := t.Listen(ctx, &tor.ListenConf{
		RemotePorts: []int{remotePort},
		Version3:    true,
	})
	if err != nil {
		t.Close()
		os.RemoveAll(dataDir)
		return nil, fmt.Errorf("tor: hidden service: %w", err)
	}

	return &Service{
		t:            t,
		onion:        onion,
		dataDir:      dataDir,
		OnionAddress: onion.ID + ".onion",
		SocksAddr:    socksAddr,
	}, nil
}

// Listener returns the hidden-service listener. Hand it to the connection
// manager's Listen hook so inbound mesh connections arrive over Tor.
func (s *Service) Listener() net.Listener {
	return s.onion
}

// Dialer returns a SOCKS5 dialer routing outbound connections through
// Tor; it is the only way to reach a peer's .onion address.
func (s *Service) Dialer() (proxy.Dialer, error) {
	d, err := proxy.SOCKS5("tcp", s.SocksAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("tor: socks dialer: %w", err)
	}
	return d, nil
}

// Stop shuts the Tor process down and removes its data directory.
func (s *Service) Stop() error {
	if s.onion != nil {
		s.onion.Close()
	}
	var err error
	if s.t != nil {
		err = s.t.Close()
	}
	if s.dataDir != "" {
		os.RemoveAll(s.dataDir)
	}
	return err
}

// randomHighPort picks an available port in the ephemeral range for the
// SOCKS proxy.
func randomHighPort() int {
	for i := 0; i < 10; i++ {
		port := rand.Intn(16383) + 49152
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		ln.Close()
		return port
	}
	return 49152
}

func waitForSocks(address string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", address)
		if err == nil {
			conn.Close()
			return true
		}
		time.Sleep(500 * time.Millisecond)
	}
	return false
}
