package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"veriscope/internal/config"
	"veriscope/internal/control"
	"veriscope/internal/engine"
	"veriscope/internal/session"
	"veriscope/internal/storage"
	"veriscope/internal/telemetry"
	"veriscope/internal/tts"
	"veriscope/internal/vision"
	"veriscope/internal/webhook"
)

func main() {
	configPath := flag.String("config", "configs/veriscope.yaml", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("starting veriscope",
		"version", "0.1.0",
		"listen", cfg.Listen,
		"env", cfg.Env,
		"session_store", cfg.Session.Store,
	)

	// Initialize session state store based on configuration
	var store session.Store
	var memStore *session.MemoryStore

	switch cfg.Session.Store {
	case "redis":
		redisStore, err := session.NewRedisStore(cfg.Session.Redis, cfg.Session.TTL)
		if err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		store = redisStore
		slog.Info("using Redis session store", "addr", cfg.Session.Redis.Addr)
	default:
		memStore = session.NewMemoryStore(cfg.Session.TTL)
		store = memStore
		slog.Info("using in-memory session store")
	}

	// Initialize SQLite storage for sessions and templates
	dataDir := filepath.Dir(cfg.Storage.Path)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		slog.Error("failed to create data directory", "error", err, "path", dataDir)
		os.Exit(1)
	}
	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		slog.Error("failed to initialize SQLite storage", "error", err)
		os.Exit(1)
	}

	// Initialize telemetry (graceful degradation if initialization fails)
	var tp *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tp, err = telemetry.NewProvider(telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
			tp = nil
		} else {
			slog.Info("telemetry enabled",
				"exporter", cfg.Telemetry.Exporter,
				"endpoint", cfg.Telemetry.Endpoint,
			)
		}
	}

	// Providers
	var visionPort vision.Port
	switch {
	case cfg.Vision.Provider == "anthropic" && cfg.Vision.APIKey != "":
		visionPort = vision.NewAnthropicProvider(cfg.Vision.APIKey, cfg.Vision.Model)
		slog.Info("vision provider enabled", "provider", "anthropic", "model", cfg.Vision.Model)
	default:
		visionPort = vision.Disabled{}
		slog.Warn("vision provider disabled, frames will never match")
	}

	var ttsPort tts.Port
	if cfg.TTS.Provider == "http" {
		ttsPort = tts.NewHTTPProvider(cfg.TTS.Endpoint, cfg.TTS.APIKey, cfg.TTS.Voice)
		slog.Info("tts provider enabled", "endpoint", cfg.TTS.Endpoint, "voice", cfg.TTS.Voice)
	} else {
		slog.Info("tts provider disabled, guidance falls back to text")
	}

	notifier := webhook.NewNotifier(cfg.Webhook.URL, cfg.Webhook.Secret)
	if notifier.Enabled() {
		slog.Info("completion webhook enabled", "url", cfg.Webhook.URL)
	}

	// Background sweeper for the in-memory store
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if memStore != nil {
		go memStore.Run(ctx)
	}

	eng := engine.New(cfg, store, db, visionPort, ttsPort, notifier, tp, nil)
	controlHandler := control.New(db, cfg.Control.Auth)

	// Setup HTTP servers
	wsServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      eng,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // Disabled for long-lived websocket connections
		IdleTimeout:  120 * time.Second,
	}

	var controlServer *http.Server
	if cfg.Control.Enabled {
		controlServer = &http.Server{
			Addr:         cfg.Control.Listen,
			Handler:      controlHandler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}

	errChan := make(chan error, 2)

	// Configure TLS if enabled
	if cfg.TLS.Enabled {
		tlsConfig, err := setupTLS(cfg.TLS)
		if err != nil {
			slog.Error("failed to setup TLS", "error", err)
			os.Exit(1)
		}
		wsServer.TLSConfig = tlsConfig
		slog.Info("TLS enabled for session server")
	}

	go func() {
		if cfg.TLS.Enabled {
			slog.Info("session server starting (HTTPS)", "addr", cfg.Listen)
			if err := wsServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("session server error: %w", err)
			}
		} else {
			slog.Info("session server starting (HTTP)", "addr", cfg.Listen)
			if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("session server error: %w", err)
			}
		}
	}()

	if controlServer != nil {
		go func() {
			slog.Info("control server starting", "addr", cfg.Control.Listen)
			if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("control server error: %w", err)
			}
		}()
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	slog.Info("shutting down servers")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("session server shutdown error", "error", err)
	}

	if controlServer != nil {
		if err := controlServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("control server shutdown error", "error", err)
		}
	}

	if err := store.Quit(); err != nil {
		slog.Error("session store close error", "error", err)
	}

	if err := db.Close(); err != nil {
		slog.Error("SQLite close error", "error", err)
	}

	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown error", "error", err)
		}
	}

	slog.Info("veriscope stopped")
}

// setupTLS configures TLS for the session server
func setupTLS(cfg config.TLSConfig) (*tls.Config, error) {
	var cert tls.Certificate
	var err error

	if cfg.AutoCert {
		cert, err = generateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("generating self-signed cert: %w", err)
		}
		slog.Warn("using auto-generated self-signed certificate (development only)")
	} else if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS certificate: %w", err)
		}
		slog.Info("loaded TLS certificate", "cert", cfg.CertFile, "key", cfg.KeyFile)
	} else {
		return nil, fmt.Errorf("TLS enabled but no certificate configured (set cert_file/key_file or auto_cert)")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// generateSelfSignedCert creates a self-signed certificate for development
func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Veriscope Development"},
			CommonName:   "localhost",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})

	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes})

	return tls.X509KeyPair(certPEM, keyPEM)
}
