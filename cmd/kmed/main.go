// Command kmed is the KME server: it exposes the SAE-facing ETSI GS QKD 014
// southbound contract and the KME-facing trusted-node discovery and relay
// endpoints (spec §4.8), drives pool generation or bus replication depending
// on is_master, and serves the operator debug console.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"kme/internal/admin"
	"kme/internal/audit"
	"kme/internal/broker"
	"kme/internal/discovery"
	"kme/internal/gateway"
	"kme/internal/identity"
	"kme/internal/keypool"
	"kme/internal/middleware"
	"kme/internal/poolsync"
	"kme/internal/relay"
	"kme/pkg/config"
	"kme/pkg/logger"
)

func parseFlags() config.CLIFlags {
	var flags config.CLIFlags
	flag.IntVar(&flags.Port, "p", 0, "Port to bind on")
	flag.IntVar(&flags.Port, "port", 0, "Port to bind on")
	flag.BoolVar(&flags.Reload, "r", false, "Accepted for compatibility; kmed does not reload on changes")
	flag.BoolVar(&flags.Reload, "reload", false, "Accepted for compatibility; kmed does not reload on changes")
	flag.StringVar(&flags.Settings, "s", "settings.json", "Settings file name")
	flag.StringVar(&flags.Settings, "settings", "settings.json", "Settings file name")
	flag.Parse()
	return flags
}

func main() {
	flags := parseFlags()

	bootLog := logger.New("kmed")

	cfg, err := config.Load(flags)
	if err != nil {
		bootLog.Fatal("loading configuration", map[string]interface{}{"error": err.Error()})
	}

	log := logger.New("kme-" + cfg.KME.ID)
	log.Info("starting kmed", map[string]interface{}{
		"id":        cfg.KME.ID,
		"is_master": cfg.KME.IsMaster,
		"port":      cfg.Server.Port,
	})

	caPool, err := loadCAPool(cfg.KME.CAFile)
	if err != nil {
		log.Fatal("loading CA bundle", map[string]interface{}{"error": err.Error()})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("connecting to redis", map[string]interface{}{"error": err.Error()})
	}
	defer redisClient.Close()

	bus, err := broker.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.Stream, cfg.Redis.Group, log)
	if err != nil {
		log.Fatal("connecting to pool-sync bus", map[string]interface{}{"error": err.Error()})
	}
	defer bus.Close()

	pool := keypool.New(cfg.KME.MaxKeyCount)
	sync := poolsync.New(pool, bus, cfg.KME.IsMaster, cfg.KME.MaxKeySize, cfg.KME.KeyGenTimeout(), log)
	go sync.Run(ctx)
	defer sync.Stop()

	idTable, err := buildIdentityTable(cfg)
	if err != nil {
		log.Fatal("loading identity table", map[string]interface{}{"error": err.Error()})
	}

	revocation := middleware.NewRevocationList(redisClient)

	links, err := buildRelayLinks(cfg, caPool)
	if err != nil {
		log.Fatal("building relay links", map[string]interface{}{"error": err.Error()})
	}
	relayEngine := relay.New(cfg.KME.ID, pool, links, log)

	neighbors := make([]discovery.Neighbor, 0, len(cfg.KME.AttachedTrustedNodes))
	for _, tn := range cfg.KME.AttachedTrustedNodes {
		neighbors = append(neighbors, discovery.Neighbor{TnID: tn.ID, URL: tn.URL})
	}
	self := discovery.Self{
		TnID:          cfg.KME.ID,
		KmeIDs:        []string{cfg.KME.ID},
		SaeIDs:        attachedSaeIDs(cfg),
		NeighborTnIDs: attachedTrustedNodeIDs(cfg),
	}
	selfClient, err := mtlsClient(cfg.KME.ServerCertFile, cfg.KME.ServerKeyFile, caPool)
	if err != nil {
		log.Fatal("building discovery client", map[string]interface{}{"error": err.Error()})
	}
	disc := discovery.New(self, neighbors, selfClient, log)

	masterURL, masterClient, err := buildMasterClient(cfg, caPool)
	if err != nil {
		log.Fatal("building master delegation client", map[string]interface{}{"error": err.Error()})
	}

	gw := gateway.New(cfg, cfg.KME.ID, pool, sync, idTable, disc, relayEngine, masterURL, masterClient, log)

	var auditRepo *audit.Repository
	if cfg.Audit.DatabaseURL != "" {
		db, err := sqlx.Connect("postgres", cfg.Audit.DatabaseURL)
		if err != nil {
			log.Fatal("connecting to audit database", map[string]interface{}{"error": err.Error()})
		}
		defer db.Close()
		db.SetMaxOpenConns(cfg.Audit.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Audit.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Audit.ConnMaxLifetime)
		auditRepo = audit.NewRepository(db)
	}

	adminConsole := admin.New(cfg.Admin, pool, log)

	identityMW := middleware.NewIdentityMiddleware(idTable, revocation)
	rateLimiter := middleware.NewRateLimiter(redisClient, cfg.RateLimit.Limit, cfg.RateLimit.Window)

	router := mux.NewRouter()
	router.Use(middleware.SecurityHeaders)
	router.Use(middleware.Recovery)
	router.Use(middleware.CorrelationID)
	router.Use(middleware.NewLoggingMiddleware(log).Log)
	router.Use(saeIdentityGate(identityMW))
	router.Use(rateLimiter.Limit)
	if auditRepo != nil {
		router.Use(middleware.NewAuditMiddleware(auditRepo, log).Audit)
	}

	gw.Routes(router)

	router.HandleFunc("/api/v1/kmapi/internal/key_stores", adminConsole.KeyStores).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/kmapi/internal/stream", adminConsole.Stream)

	router.HandleFunc("/health", healthCheck).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		TLSConfig: &tls.Config{
			ClientCAs:  caPool,
			ClientAuth: tls.RequireAndVerifyClientCert,
			MinVersion: tls.VersionTLS12,
		},
	}

	go func() {
		log.Info("kmed listening", map[string]interface{}{"address": srv.Addr})
		if err := srv.ListenAndServeTLS(cfg.KME.ServerCertFile, cfg.KME.ServerKeyFile); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed to start", map[string]interface{}{"error": err.Error()})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down kmed", nil)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("kmed forced to shutdown", map[string]interface{}{"error": err.Error()})
	}
	log.Info("kmed stopped gracefully", nil)
}

// saeIdentityGate applies IdentityMiddleware (certificate-table lookup plus
// revocation check, spec §4.8 step 1) to every SAE/KME-facing route that
// actually consumes a resolved principal. versions, trusted-node discovery,
// and the master-delegation endpoints authenticate their callers by other
// means (an unconditional mTLS handshake at the listener, or a body-level
// SAE id check against the attached list) so they are left for the
// handlers themselves to gate.
func saeIdentityGate(identityMW *middleware.IdentityMiddleware) mux.MiddlewareFunc {
	exempt := map[string]bool{
		"/api/v1/kmapi/versions":            true,
		"/api/v1/discover/trusted_nodes":    true,
		"/api/v1/internal/ask_for_key":      true,
		"/api/v1/internal/deactivate_key":   true,
		"/api/v1/kmapi/internal/key_stores": true,
		"/api/v1/kmapi/internal/stream":     true,
		"/health":                           true,
	}

	return func(next http.Handler) http.Handler {
		resolved := identityMW.Resolve(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			resolved.ServeHTTP(w, r)
		})
	}
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	_ = r
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"kmed"}`))
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	raw, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(raw) {
		return nil, fmt.Errorf("no certificates found in CA bundle %q", caFile)
	}
	return pool, nil
}

// mtlsClient builds an outbound HTTP client authenticating with certFile/
// keyFile and trusting peers signed by caPool: the same certificate pair a
// kmed process presents as a server doubles as its client identity when it
// calls a peer trusted node or KME, a conventional mTLS mesh pattern.
func mtlsClient(certFile, keyFile string, caPool *x509.CertPool) (*http.Client, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				Certificates: []tls.Certificate{cert},
				RootCAs:      caPool,
				MinVersion:   tls.VersionTLS12,
			},
		},
	}, nil
}

// buildRelayLinks builds one relay.Link per directly-paired KME (spec
// §4.7): distance 0 entries are the only ones a relay hop can actually
// source fresh QKD material from.
func buildRelayLinks(cfg *config.Config, caPool *x509.CertPool) (map[string]relay.Link, error) {
	links := make(map[string]relay.Link)
	for _, k := range cfg.KME.AttachedKmes {
		if k.Distance != 0 {
			continue
		}
		client, err := mtlsClient(k.SaeCert, k.SaeKey, caPool)
		if err != nil {
			return nil, fmt.Errorf("building client for attached KME %q: %w", k.KmeID, err)
		}
		links[k.LinkedTo] = relay.NewLink(k.LinkedTo, k.URL, client)
	}
	return links, nil
}

// buildMasterClient resolves this KME's master-delegation target (spec
// §12.2): the directly-paired attached KME, the same physical link the
// relay engine sources first-hop material from. A master KME never
// delegates, so it gets an unconfigured client and an empty URL; gateway
// only calls the master from a slave.
func buildMasterClient(cfg *config.Config, caPool *x509.CertPool) (string, *http.Client, error) {
	if cfg.KME.IsMaster {
		return "", &http.Client{}, nil
	}
	for _, k := range cfg.KME.AttachedKmes {
		if k.Distance == 0 {
			client, err := mtlsClient(k.SaeCert, k.SaeKey, caPool)
			if err != nil {
				return "", nil, fmt.Errorf("building master delegation client for %q: %w", k.KmeID, err)
			}
			return k.URL, client, nil
		}
	}
	return "", nil, fmt.Errorf("slave KME %q has no directly-paired (distance 0) attached KME to act as its master", cfg.KME.ID)
}

func buildIdentityTable(cfg *config.Config) (*identity.Table, error) {
	table := identity.NewTable()
	for _, s := range cfg.KME.AttachedSaes {
		if err := table.Add(identity.KindSAE, s.SaeID, s.SaeCert); err != nil {
			return nil, err
		}
	}
	for _, k := range cfg.KME.AttachedKmes {
		if err := table.Add(identity.KindKME, k.KmeID, k.KmeCert); err != nil {
			return nil, err
		}
	}
	for _, t := range cfg.KME.AttachedTrustedNodes {
		if err := table.Add(identity.KindTrustedNode, t.ID, t.Cert); err != nil {
			return nil, err
		}
	}
	return table, nil
}

func attachedSaeIDs(cfg *config.Config) []string {
	ids := make([]string, 0, len(cfg.KME.AttachedSaes))
	for _, s := range cfg.KME.AttachedSaes {
		ids = append(ids, s.SaeID)
	}
	return ids
}

func attachedTrustedNodeIDs(cfg *config.Config) []string {
	ids := make([]string, 0, len(cfg.KME.AttachedTrustedNodes))
	for _, t := range cfg.KME.AttachedTrustedNodes {
		ids = append(ids, t.ID)
	}
	return ids
}
