package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/intercall/signaling/internal/api"
	"github.com/intercall/signaling/internal/call"
	"github.com/intercall/signaling/internal/config"
	"github.com/intercall/signaling/internal/gateway"
	"github.com/intercall/signaling/internal/intercom"
	"github.com/intercall/signaling/internal/notify"
	"github.com/intercall/signaling/internal/presence"
	"github.com/intercall/signaling/internal/store"
	"github.com/intercall/signaling/internal/turn"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/acme/autocert"
)

const AppVersion = "1.0.0"

func main() {
	httpOnly := flag.Bool("http-only", false, "Serve plain HTTP only (no TLS, for reverse-proxy deployments)")
	selfSigned := flag.Bool("self-signed", false, "Serve HTTPS with a generated self-signed certificate")
	flag.Parse()

	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	logger.Info(fmt.Sprintf("Intercall Signaling Server v%s", AppVersion))

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("open database failed", "path", cfg.DBPath, "error", err)
		return
	}
	st := store.New(db, logger)
	logger.Info("database ready", "path", cfg.DBPath)

	var turnServer *turn.Server
	if cfg.TURNEnabled {
		turnServer, err = turn.Start(cfg.TURNPort, cfg.TURNRealm, config.KeysDirectory(), logger)
		if err != nil {
			logger.Error("start TURN server failed", "error", err)
			return
		}
		defer turnServer.Close()
	}

	dispatcher := notify.NewDispatcher(st, notify.VAPID{
		PublicKey:  cfg.VAPIDKeys.PublicKey,
		PrivateKey: cfg.VAPIDKeys.PrivateKey,
		Subject:    cfg.VAPIDKeys.Subject,
	}, logger)

	engine := call.NewEngine(st, dispatcher, logger, call.Options{
		RingTimeout: cfg.RingTimeout,
		MaxDuration: cfg.MaxCallDuration,
	})

	coordinator := intercom.NewCoordinator(engine, st, dispatcher, logger)
	coordinator.SetDefaultTimeout(cfg.GroupTimeout)

	registry := presence.NewRegistry()
	gw := gateway.New(registry, engine, coordinator, st, dispatcher, cfg.JWTSecret, logger)
	handlers := api.New(st, turnServer, cfg.VAPIDKeys.PublicKey, cfg.JWTSecret, logger)

	router := setupRouter(gw, handlers, logger)
	startServer(router, cfg, *httpOnly, *selfSigned, logger)
}

func setupRouter(gw *gateway.Gateway, h *api.Handlers, logger *slog.Logger) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/health", h.Health)
		apiGroup.GET("/stats", h.Statistics)
		apiGroup.GET("/turn-config", h.TURNConfig)
		apiGroup.GET("/push/vapid", h.VAPIDPublicKey)
		apiGroup.GET("/ws", gw.HandleWebSocket)

		authed := apiGroup.Group("")
		authed.Use(h.AuthRequired())
		{
			authed.GET("/calls", h.CallHistory)
			authed.GET("/calls/:call_id/events", h.CallEvents)
			authed.GET("/buildings/:building_id/apartments", h.BuildingApartments)
			authed.POST("/push/subscriptions", h.Subscribe)
			authed.DELETE("/push/subscriptions", h.Unsubscribe)
		}
	}

	return router
}

func startServer(router *gin.Engine, cfg *config.Config, httpOnly, selfSigned bool, logger *slog.Logger) {
	if httpOnly {
		startHTTP(router, cfg, logger)
		return
	}
	if selfSigned {
		startSelfSignedHTTPS(router, cfg, logger)
		return
	}
	startAutocertHTTPS(router, cfg, logger)
}

func startHTTP(router *gin.Engine, cfg *config.Config, logger *slog.Logger) {
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("HTTP server starting", "port", cfg.HTTPPort)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("HTTP server failed", "error", err)
	}
}

func startAutocertHTTPS(router *gin.Engine, cfg *config.Config, logger *slog.Logger) {
	certsDir := config.CertsDirectory()
	if err := os.MkdirAll(certsDir, 0700); err != nil {
		logger.Error("create certs directory failed", "error", err)
		return
	}

	domain := normalizeDomain(cfg.Domain)
	if domain == "localhost" || domain == "127.0.0.1" {
		logger.Warn("Let's Encrypt cannot issue for localhost, use --self-signed for local development")
	}

	m := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		Cache:  autocert.DirCache(certsDir),
		HostPolicy: func(ctx context.Context, host string) error {
			if normalizeDomain(host) != domain {
				return fmt.Errorf("host %q not configured (expected %q)", host, domain)
			}
			return nil
		},
	}

	// Port 80 answers ACME challenges and redirects everything else.
	httpHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/.well-known/acme-challenge/") {
			m.HTTPHandler(nil).ServeHTTP(w, r)
			return
		}
		http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
	})

	errorLog := newServerErrorLog(logger)

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      httpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     errorLog,
	}
	httpsServer := &http.Server{
		Addr:         ":" + cfg.HTTPSPort,
		Handler:      router,
		TLSConfig:    m.TLSConfig(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     errorLog,
	}

	go func() {
		logger.Info("HTTP server (ACME and redirects) starting", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()
	go renewCertificates(m, domain, logger)

	logger.Info("HTTPS server starting", "port", cfg.HTTPSPort, "domain", domain, "certs_dir", certsDir)
	if err := httpsServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("HTTPS server failed", "error", err)
	}
}

func startSelfSignedHTTPS(router *gin.Engine, cfg *config.Config, logger *slog.Logger) {
	hosts := []string{"localhost"}
	if cfg.Domain != "" {
		hosts = []string{cfg.Domain}
	}
	certPEM, keyPEM, err := generateSelfSignedCert(hosts)
	if err != nil {
		logger.Error("generate self-signed certificate failed", "error", err)
		return
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		logger.Error("load self-signed certificate failed", "error", err)
		return
	}

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPSPort,
		Handler: router,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		},
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		redirect := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host := r.Host
			if idx := strings.Index(host, ":"); idx != -1 {
				host = host[:idx]
			}
			target := "https://" + host + ":" + cfg.HTTPSPort + r.URL.Path
			if r.URL.RawQuery != "" {
				target += "?" + r.URL.RawQuery
			}
			http.Redirect(w, r, target, http.StatusMovedPermanently)
		})
		logger.Info("HTTP redirect server starting", "port", cfg.HTTPPort)
		if err := (&http.Server{Addr: ":" + cfg.HTTPPort, Handler: redirect}).ListenAndServe(); err != nil {
			logger.Error("HTTP redirect server failed", "error", err)
		}
	}()

	logger.Info("HTTPS server (self-signed) starting", "port", cfg.HTTPSPort)
	if err := srv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("HTTPS server failed", "error", err)
	}
}

// renewCertificates checks monthly whether the cached certificate expires
// within 30 days and lets autocert refresh it.
func renewCertificates(m *autocert.Manager, domain string, logger *slog.Logger) {
	time.Sleep(30 * time.Second)

	ticker := time.NewTicker(30 * 24 * time.Hour)
	defer ticker.Stop()

	checkCertificate(m, domain, logger)
	for range ticker.C {
		checkCertificate(m, domain, logger)
	}
}

func checkCertificate(m *autocert.Manager, domain string, logger *slog.Logger) {
	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: domain})
	if err != nil || cert == nil || len(cert.Certificate) == 0 {
		logger.Warn("no cached certificate, will be obtained on next request", "domain", domain, "error", err)
		return
	}

	leaf := cert.Leaf
	if leaf == nil {
		leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			logger.Warn("parse cached certificate failed", "error", err)
			return
		}
	}

	days := int(time.Until(leaf.NotAfter).Hours() / 24)
	logger.Info("certificate checked", "domain", domain, "days_until_expiry", days)
	if days < 30 {
		// GetCertificate triggers the renewal inside autocert.
		if _, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err != nil {
			logger.Error("certificate renewal failed", "domain", domain, "error", err)
		}
	}
}

func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimPrefix(domain, "www.")
}
