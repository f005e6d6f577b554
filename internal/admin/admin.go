// Package admin implements the operator debug console (SPEC_FULL.md §12.1):
// a bcrypt+TOTP gated report of the unactivated pool size and a websocket
// stream of the events passed to Console.Broadcast. The original's equivalent endpoint shipped
// unauthenticated; gating it behind the operator's second factor is a
// deliberate strengthening, not a faithful port of that gap.
package admin

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"kme/internal/keypool"
	"kme/pkg/config"
	"kme/pkg/errors"
	"kme/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

// Event is what Broadcast sends to connected admin websocket clients. The
// pool, synchronizer and relay do not call Broadcast themselves, so a pool
// mutation produces no Event on its own.
type Event struct {
	Type      string    `json:"type"`
	KeyID     string    `json:"key_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Console gates access to the debug key-store dump and live event stream.
type Console struct {
	cfg  config.AdminConfig
	pool *keypool.Pool
	log  logger.Logger

	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func New(cfg config.AdminConfig, pool *keypool.Pool, log logger.Logger) *Console {
	return &Console{
		cfg:      cfg,
		pool:     pool,
		log:      log,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		subs:     make(map[chan Event]struct{}),
	}
}

// Broadcast fans an event out to every connected websocket client.
// Non-blocking: a slow subscriber drops events rather than stalling the
// pool.
func (c *Console) Broadcast(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (c *Console) authenticate(r *http.Request) error {
	user, pass, ok := r.BasicAuth()
	if !ok || user != c.cfg.Username {
		return errors.New(errors.KindIdentity, "missing or invalid operator credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(c.cfg.PasswordHash), []byte(pass)) != nil {
		return errors.New(errors.KindIdentity, "invalid operator credentials")
	}

	code := r.Header.Get("X-TOTP-Code")
	if code == "" || !totp.Validate(code, c.cfg.TOTPSecret) {
		return errors.New(errors.KindIdentity, "invalid or missing TOTP code")
	}
	return nil
}

// KeyStores serves GET /api/v1/kmapi/internal/key_stores: reports the
// unactivated pool size (SPEC_FULL.md §12.1). The activated ledger is not
// included.
func (c *Console) KeyStores(w http.ResponseWriter, r *http.Request) {
	if err := c.authenticate(r); err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"unactivated_count": c.pool.Count(),
	})
}

// Stream serves the live event websocket (SPEC_FULL.md §12.1).
func (c *Console) Stream(w http.ResponseWriter, r *http.Request) {
	if err := c.authenticate(r); err != nil {
		respondError(w, err)
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Warn("admin websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer conn.Close()

	ch := make(chan Event, 16)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.subs, ch)
		c.mu.Unlock()
	}()

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, http.StatusUnauthorized, map[string]string{"message": err.Error()})
}
