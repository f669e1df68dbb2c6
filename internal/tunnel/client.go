// Package tunnel exposes a local server through an outbound relay
// connection: one WebSocket to the relay, multiplexed into per-request
// streams with yamux.
package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
)

// Client dials a relay and proxies its streams to the local listener.
type Client struct {
	relayURL  string // wss://relay.example.com/tunnel
	secret    string // pre-shared secret
	localAddr string // e.g. localhost:8900
}

func NewClient(relayURL, secret, localAddr string) *Client {
	return &Client{
		relayURL:  relayURL,
		secret:    secret,
		localAddr: localAddr,
	}
}

// Run connects to the relay and serves tunnel traffic until ctx is
// cancelled. Reconnects with exponential backoff.
func (c *Client) Run(ctx context.Context) {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		err := c.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("tunnel: connection failed: %v", err)
			log.Printf("tunnel: reconnecting in %s", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
		} else {
			backoff = time.Second
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		// Relays commonly run self-signed; the pre-shared secret
		// authenticates the connection.
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}

	header := http.Header{}
	header.Set("X-Tunnel-Secret", c.secret)

	wsConn, _, err := dialer.DialContext(ctx, c.relayURL, header)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer wsConn.Close()

	log.Printf("tunnel: connected to relay %s", c.relayURL)

	// This side is the yamux server: the relay opens a stream per
	// inbound request.
	mux, err := yamux.Server(NewWSConn(wsConn), yamux.DefaultConfig())
	if err != nil {
		return fmt.Errorf("yamux server: %w", err)
	}
	defer mux.Close()

	go func() {
		<-ctx.Done()
		mux.Close()
	}()

	for {
		stream, err := mux.Accept()
		if err != nil {
			return fmt.Errorf("accept stream: %w", err)
		}
		go c.handleStream(stream)
	}
}

func (c *Client) handleStream(stream net.Conn) {
	defer stream.Close()

	local, err := net.Dial("tcp", c.localAddr)
	if err != nil {
		log.Printf("tunnel: dial local %s: %v", c.localAddr, err)
		return
	}
	defer local.Close()

	done := make(chan struct{})
	go func() {
		io.Copy(local, stream)
		close(done)
	}()
	io.Copy(stream, local)
	<-done
}
