package main

import (
	"bufio"
	"context"
	"database/sql"
	"embed"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peterje/periscope/internal/config"
	"github.com/peterje/periscope/internal/db"
	"github.com/peterje/periscope/internal/preflight"
	"github.com/peterje/periscope/internal/relay"
	"github.com/peterje/periscope/internal/server"
	"github.com/peterje/periscope/internal/session"
	"github.com/peterje/periscope/internal/tmux"
	"github.com/peterje/periscope/internal/topology"
	"github.com/peterje/periscope/internal/tunnel"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func main() {
	// Subcommand dispatch: "periscope relay" runs the public relay
	if len(os.Args) > 1 && os.Args[1] == "relay" {
		if err := relay.Run(relay.ParseConfig(os.Args[2:])); err != nil {
			log.Fatalf("Relay failed: %v", err)
		}
		return
	}

	configPath := flag.String("config", "", "path to YAML config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	useTLS := flag.Bool("tls", false, "serve HTTPS, self-signed when no cert is configured")
	flag.Parse()

	fmt.Println("Periscope - tmux in the browser")
	fmt.Println("===============================")
	fmt.Println()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *useTLS {
		cfg.TLS.Enabled = true
	}

	fmt.Println("Running preflight checks...")
	tools, tmuxOk := preflight.CheckAll()
	if !tmuxOk {
		fmt.Println("\ntmux is required. Please install tmux and try again.")
		os.Exit(1)
	}
	fmt.Println()

	database, err := openDatabase(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	migrationSQL, err := migrationsFS.ReadFile("migrations/001_initial.sql")
	if err != nil {
		log.Fatalf("Failed to read migrations: %v", err)
	}
	if err := db.Migrate(database, string(migrationSQL)); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	store := db.NewStore(database)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tmuxClient := tmux.New()
	if err := tmuxClient.EnsureServer(ctx); err != nil {
		log.Fatalf("Failed to start tmux server: %v", err)
	}

	engine := session.NewEngine(tmuxClient, session.Config{
		DefaultMode:     session.Mode(cfg.Session.DefaultMode),
		GracePeriod:     cfg.Session.GracePeriodDuration,
		CaptureInterval: cfg.Session.CaptureIntervalDuration,
		BufferCapacity:  cfg.Session.BufferCapacity,
	})

	topo := topology.New(tmuxClient, engine.Attached, cfg.Topology.SyncIntervalDuration)
	go topo.Run(ctx)

	srv := server.New(tmuxClient, engine, topo, store, tools)
	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: loggingMiddleware(recoveryMiddleware(srv)),
	}

	if cfg.Tunnel.RelayURL != "" {
		_, port, err := net.SplitHostPort(cfg.ListenAddr)
		if err != nil {
			log.Fatalf("Bad listen address %q: %v", cfg.ListenAddr, err)
		}
		tun := tunnel.NewClient(cfg.Tunnel.RelayURL, cfg.Tunnel.Secret, "localhost:"+port)
		go tun.Run(ctx)
	}

	// Graceful shutdown: strategies stop, tmux sessions keep running.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		fmt.Printf("\nReceived %s, shutting down...\n", sig)

		cancel()
		engine.Shutdown()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	if cfg.TLS.Enabled {
		tlsConfig, err := server.TLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			log.Fatalf("Failed to configure TLS: %v", err)
		}
		httpSrv.TLSConfig = tlsConfig
		fmt.Printf("Server running at https://%s\n", cfg.ListenAddr)
		err = httpSrv.ListenAndServeTLS("", "")
		if err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	} else {
		fmt.Printf("Server running at http://%s\n", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}
	fmt.Println("Server stopped.")
}

func openDatabase(path string) (*sql.DB, error) {
	if path != "" {
		return db.OpenPath(path)
	}
	return db.Open()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(rw, r)

		// WebSocket connections log their own lifecycle
		if r.Header.Get("Upgrade") == "websocket" {
			return
		}

		log.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start).Round(time.Millisecond))
	})
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("PANIC: %s %s: %v", r.Method, r.URL.Path, err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Implement http.Hijacker so WebSocket upgrades work through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
}
