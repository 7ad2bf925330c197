package main

import (
	"context"
	"coreproxy/internal/approval"
	"coreproxy/internal/auth"
	"coreproxy/internal/httpapi"
	"coreproxy/internal/relay"
	"coreproxy/internal/sentry"
	"coreproxy/internal/setup"
	"coreproxy/internal/storage"
	"coreproxy/internal/telegram"
	"coreproxy/internal/version"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/acme/autocert"
)

const shutdownTimeout = 30 * time.Second

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := sentry.Init(version.Version); err != nil {
		log.Printf("Sentry disabled: %v", err)
	}
	defer sentry.Flush()

	coreAddr := env("CORE_LISTEN_ADDR", ":50051")
	httpAddr := env("HTTP_LISTEN_ADDR", ":8080")
	certDir := env("CERT_DIR", "certs")
	dbPath := env("DB_PATH", "coreproxy.db")
	domain := os.Getenv("DOMAIN_NAME")
	email := os.Getenv("EMAIL")
	insecureMode := os.Getenv("INSECURE_HTTP") == "true"

	// 1. Initialize Database
	// It will create the file in the current working directory.
	// In Docker, we set WORKDIR to /app/data to persist it.
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// 2. Initialize Registry, relay and the pieces hanging off it
	registry := relay.NewRegistry()
	sessions := auth.NewSessionManager(domain != "" && !insecureMode)

	var bot *telegram.Bot
	rel := relay.New(registry,
		relay.WithSecretHandler(sessions.SetSecret),
		relay.WithRecorder(store),
		relay.WithConnectionListener(func(connected bool, ver string) {
			if connected {
				bot.Notify(fmt.Sprintf("🟢 Core connected (version %s)", ver))
			} else {
				bot.Notify("🔴 Core disconnected")
			}
		}),
	)
	bridge := approval.NewBridge(rel)
	rel.SetApprovalHandler(bridge.HandleCompletion)

	adminID, _ := strconv.ParseInt(os.Getenv("TELEGRAM_ADMIN_ID"), 10, 64)
	bot = telegram.NewBot(os.Getenv("TELEGRAM_BOT_TOKEN"), adminID, store, rel)
	bot.Start()
	defer bot.Stop()

	serverErrors := make(chan error, 4)
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// 3. Core-facing listener. Provision over plain TCP when no certificate
	// pair exists yet, then serve the relay with TLS on the same port.
	var relaySrv atomic.Pointer[relay.Server]
	go func() {
		cfg, err := setup.LoadConfiguration(certDir)
		if err != nil {
			log.Printf("No certificate configuration in %s, waiting for provisioning on %s", certDir, coreAddr)
			setupSrv := setup.NewServer(nil)
			cfg, err = setupSrv.AwaitSetup(rootCtx, coreAddr)
			if err != nil {
				if rerr := store.RecordProvisioning("", "failure", err.Error()); rerr != nil {
					log.Printf("Failed to record provisioning failure: %v", rerr)
				}
				serverErrors <- err
				return
			}
			if err := cfg.Save(certDir); err != nil {
				serverErrors <- err
				return
			}
			if rerr := store.RecordProvisioning("", "success", ""); rerr != nil {
				log.Printf("Failed to record provisioning success: %v", rerr)
			}
			log.Printf("Provisioning complete, certificate saved to %s", certDir)
			bot.Notify("🛠 Provisioning completed, transport certificate issued")
		}

		tlsConfig, err := cfg.TLSConfig()
		if err != nil {
			serverErrors <- err
			return
		}
		srv := relay.NewServer(coreAddr, rel, tlsConfig)
		relaySrv.Store(srv)
		if err := srv.Start(); err != nil {
			serverErrors <- err
		}
	}()

	// 4. Client-facing HTTP API
	handler := &httpapi.Handler{
		Core:     rel,
		Sessions: sessions,
		Bridge:   bridge,
		Store:    store,
	}
	router := httpapi.NewRouter(handler, sentry.GinMiddleware())

	var httpServers []*http.Server

	if domain != "" && !insecureMode {
		// --- HTTPS Mode (Production) ---
		log.Printf("Configuring HTTPS/TLS for domain: %s", domain)
		cacheDir := "acme-cache"
		if err := os.MkdirAll(cacheDir, 0700); err != nil {
			log.Fatalf("Failed to create cert cache dir: %v", err)
		}

		autocertManager := &autocert.Manager{
			Cache:      autocert.DirCache(cacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(domain),
			Email:      email,
		}

		httpsServer := &http.Server{
			Addr:      ":443",
			Handler:   router,
			TLSConfig: autocertManager.TLSConfig(),
		}
		httpServers = append(httpServers, httpsServer)

		go func() {
			log.Println("HTTP API listening on :443 (HTTPS)")
			if err := httpsServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				serverErrors <- err
			}
		}()

		// HTTP challenge / redirect server (80)
		httpRedirectServer := &http.Server{
			Addr:    ":80",
			Handler: autocertManager.HTTPHandler(nil),
		}
		httpServers = append(httpServers, httpRedirectServer)

		go func() {
			log.Println("Redirect Server listening on :80 (HTTP)")
			if err := httpRedirectServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serverErrors <- err
			}
		}()
	} else {
		// --- HTTP Mode (Local/Dev) ---
		log.Printf("Starting in HTTP mode. Listening on %s", httpAddr)
		httpServer := &http.Server{
			Addr:    httpAddr,
			Handler: router,
		}
		httpServers = append(httpServers, httpServer)

		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serverErrors <- err
			}
		}()
	}

	// Wait for interrupt or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("Received signal %v, initiating graceful shutdown...", sig)
	case err := <-serverErrors:
		log.Printf("Server error: %v, initiating shutdown...", err)
	}
	rootCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	for _, srv := range httpServers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}

	if srv := relaySrv.Load(); srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Relay server shutdown error: %v", err)
		}
	}

	log.Println("Server shutdown complete")
}
