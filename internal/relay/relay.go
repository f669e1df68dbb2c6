// Package relay is the public-facing counterpart of the tunnel client:
// it terminates TLS and user auth, and proxies every request through
// the yamux session a periscope instance dials out to it.
package relay

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/peterje/periscope/internal/server"
)

// Config holds relay configuration.
type Config struct {
	Port     int
	TLSCert  string
	TLSKey   string
	Username string
	Password string
	Secret   string
}

// Run starts the relay server. Called from main.go subcommand dispatch.
func Run(cfg Config) error {
	if cfg.Username == "" || cfg.Password == "" {
		return fmt.Errorf("PS_USERNAME and PS_PASSWORD environment variables are required")
	}

	if cfg.Secret == "" {
		b := make([]byte, 24)
		rand.Read(b)
		cfg.Secret = hex.EncodeToString(b)
	}

	auth := NewAuth(cfg.Username, cfg.Password)
	tun := NewTunnel(cfg.Secret)
	proxy := NewProxy(tun)

	mux := http.NewServeMux()

	// Auth routes (not behind auth middleware)
	auth.Routes(mux)

	// Tunnel endpoint (authenticated by pre-shared secret, not user session)
	mux.HandleFunc("/tunnel", tun.Handler())

	// Liveness probe, distinct path so /api/health proxies through.
	mux.HandleFunc("GET /relay/health", func(w http.ResponseWriter, r *http.Request) {
		up, age := tun.Status()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","relay":true,"connected":%t,"linkUptimeSeconds":%d}`,
			up, int(age.Seconds()))
	})

	// Everything else goes through auth middleware then the proxy
	mux.Handle("/", auth.Middleware(proxy))

	tlsCfg, err := server.TLSConfig(cfg.TLSCert, cfg.TLSKey)
	if err != nil {
		return fmt.Errorf("TLS config: %w", err)
	}

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	srv := &http.Server{
		Addr:      addr,
		Handler:   mux,
		TLSConfig: tlsCfg,
	}

	fmt.Println("Periscope Relay")
	fmt.Println("===============")
	fmt.Println()

	tunnelURL := fmt.Sprintf("wss://YOUR_HOST:%d/tunnel", cfg.Port)
	if cfg.Port == 443 {
		tunnelURL = "wss://YOUR_HOST/tunnel"
	}

	fmt.Printf("Listening on https://%s\n", addr)
	fmt.Printf("Tunnel secret: %s\n", cfg.Secret)
	fmt.Println()
	fmt.Println("Connect periscope with:")
	fmt.Printf("  tunnel:\n    relay_url: %s\n    secret: %s\n", tunnelURL, cfg.Secret)
	fmt.Println()

	// Empty cert/key since TLSConfig is set directly
	return srv.ListenAndServeTLS("", "")
}

// ParseConfig reads relay configuration from flags and environment.
func ParseConfig(args []string) Config {
	cfg := Config{
		Port:     443,
		Username: os.Getenv("PS_USERNAME"),
		Password: os.Getenv("PS_PASSWORD"),
		Secret:   os.Getenv("PS_RELAY_SECRET"),
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--port":
			if i+1 < len(args) {
				if p, err := strconv.Atoi(args[i+1]); err == nil {
					cfg.Port = p
				}
				i++
			}
		case "--tls-cert":
			if i+1 < len(args) {
				cfg.TLSCert = args[i+1]
				i++
			}
		case "--tls-key":
			if i+1 < len(args) {
				cfg.TLSKey = args[i+1]
				i++
			}
		default:
			log.Printf("relay: unknown flag: %s", args[i])
		}
	}

	return cfg
}
