// Package relay implements the multi-hop key relay state machine (spec
// §4.7): XOR chaining across a path of trusted nodes, where each hop's
// per-link QKD key comes from the locally paired KME pool for that
// specific neighbor (an AttachedKME entry with distance 0 — a directly
// paired link, reachable over the ETSI southbound API using the relay's
// own SAE-style client credentials for that link).
package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"kme/internal/domain"
	"kme/internal/keypool"
	"kme/pkg/errors"
	"kme/pkg/logger"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const hopTimeout = 5 * time.Second

// Link is a directly paired neighbor KME reachable over HTTPS, identified
// by the trusted node id it links to (config's attached_kmes[].linked_to,
// restricted to distance == 0 entries).
type Link struct {
	PeerTnID string
	URL      string
	client   *http.Client
}

// NewLink builds a Link whose HTTP client already carries the mTLS
// credentials (sae_cert/sae_key) needed to authenticate to the peer KME.
func NewLink(peerTnID, url string, client *http.Client) Link {
	return Link{
		PeerTnID: peerTnID,
		URL:      url,
		client: &http.Client{
			Transport: otelhttp.NewTransport(client.Transport),
			Timeout:   hopTimeout,
		},
	}
}

type etsiKey struct {
	KeyID string `json:"key_ID"`
	Key   string `json:"key"`
}

type etsiKeysResponse struct {
	Keys []etsiKey `json:"keys"`
}

func (l Link) fetchEncKey(ctx context.Context, selfSaeID string, sizeBits int) (keyID string, material []byte, err error) {
	ctx, cancel := context.WithTimeout(ctx, hopTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/v1/keys/%s/enc_keys?number=1&size=%d", l.URL, selfSaeID, sizeBits)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	var out etsiKeysResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", nil, err
	}
	if len(out.Keys) == 0 {
		return "", nil, errors.New(errors.KindRelay, "peer returned no encryption keys")
	}
	raw, err := base64.StdEncoding.DecodeString(out.Keys[0].Key)
	if err != nil {
		return "", nil, err
	}
	return out.Keys[0].KeyID, raw, nil
}

func (l Link) fetchDecKey(ctx context.Context, selfSaeID, keyID string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, hopTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/v1/keys/%s/dec_keys?key_ID=%s", l.URL, selfSaeID, keyID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out etsiKeysResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Keys) == 0 {
		return nil, errors.New(errors.KindRelay, "peer returned no decryption keys")
	}
	return base64.StdEncoding.DecodeString(out.Keys[0].Key)
}

// peerRelayRequest/Response mirror POST /api/v1/kmapi/v1/ext_keys (spec §6).
type peerRelayRequest struct {
	FirstKeyID        string                      `json:"first_key_id"`
	CurrentKeyID      string                      `json:"current_key_id"`
	XorMaterial       string                      `json:"xor_material,omitempty"`
	InitiatorTnID     string                      `json:"initiator_tn_id"`
	InitiatorSaeID    string                      `json:"initiator_sae_id"`
	TargetTnID        string                      `json:"target_tn_id"`
	TargetSaeID       string                      `json:"target_sae_id"`
	PathToGo          []string                    `json:"path_to_go"`
	DiscoveredNetwork []domain.TrustedNodeRecord `json:"discovered_network"`
}

// peerRelayResponse carries the delivered key material back up the chain,
// one hop at a time, synchronously (spec §4.7.2): an intermediate hop's
// handler response is exactly what its downstream call returned, unmodified.
type peerRelayResponse struct {
	KeyID string `json:"key_ID,omitempty"`
	Key   string `json:"key,omitempty"`
}

// Engine drives the relay state machine for one KME.
type Engine struct {
	selfTnID string
	pool     *keypool.Pool
	links    map[string]Link // by PeerTnID
	log      logger.Logger

	mu        sync.Mutex
	inFlight  map[string]bool // first_key_id -> in progress (Conflict guard, spec §5)
}

// New builds an Engine. links maps a neighbor trusted node id to the
// directly-paired KME link used to source QKD material for that hop.
func New(selfTnID string, pool *keypool.Pool, links map[string]Link, log logger.Logger) *Engine {
	return &Engine{
		selfTnID: selfTnID,
		pool:     pool,
		links:    links,
		log:      log,
		inFlight: make(map[string]bool),
	}
}

func (e *Engine) begin(firstKeyID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[firstKeyID] {
		return errors.Wrap(errors.KindConflict, "relay already in progress for this key", errors.ErrRelayConflict)
	}
	e.inFlight[firstKeyID] = true
	return nil
}

func (e *Engine) end(firstKeyID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, firstKeyID)
}

// Initiate starts a relay for a fresh key identified by firstKeyID,
// sizeBits, from initiatorSaeID to targetSaeID across path (spec §4.7.1).
// path includes the initiator's own tn id at path[0].
func (e *Engine) Initiate(ctx context.Context, firstKeyID string, sizeBits int, initiatorSaeID, targetSaeID, targetTnID string, path []string, network []domain.TrustedNodeRecord) ([]byte, error) {
	if err := e.begin(firstKeyID); err != nil {
		return nil, err
	}
	defer e.end(firstKeyID)

	if len(path) <= 2 {
		// Single-hop path: the destination is directly paired. Spec §8
		// boundary case: carry = Q0, no XOR chaining needed.
		link, ok := e.links[targetTnID]
		if !ok {
			return nil, errors.New(errors.KindRouting, fmt.Sprintf("no direct link to %q", targetTnID))
		}
		q0ID, material, err := link.fetchEncKey(ctx, e.selfTnID, sizeBits)
		if err != nil {
			return nil, errors.Wrap(errors.KindRelay, "fetching first-hop key", err)
		}
		e.activateLocal(q0ID, initiatorSaeID, targetSaeID, sizeBits, material)
		return material, nil
	}

	nextHop := path[1]
	link, ok := e.links[nextHop]
	if !ok {
		return nil, errors.New(errors.KindRouting, fmt.Sprintf("no direct link to first hop %q", nextHop))
	}

	q0ID, material, err := link.fetchEncKey(ctx, e.selfTnID, sizeBits)
	if err != nil {
		return nil, errors.Wrap(errors.KindRelay, "fetching first-hop key", err)
	}
	e.activateLocal(q0ID, initiatorSaeID, targetSaeID, sizeBits, material)

	env := peerRelayRequest{
		FirstKeyID:        firstKeyID,
		CurrentKeyID:      q0ID,
		InitiatorTnID:     e.selfTnID,
		InitiatorSaeID:    initiatorSaeID,
		TargetTnID:        targetTnID,
		TargetSaeID:       targetSaeID,
		PathToGo:          path[1:],
		DiscoveredNetwork: network,
	}

	result, err := e.postToPeer(ctx, link, env)
	if err != nil {
		e.compensate(ctx, link, q0ID)
		return nil, errors.Wrap(errors.KindRelay, "relay hop failed", err)
	}
	delivered, err := base64.StdEncoding.DecodeString(result.Key)
	if err != nil {
		return nil, errors.Wrap(errors.KindRelay, "decoding delivered key material", err)
	}
	return delivered, nil
}

// HandleHop processes one inbound ext_keys envelope (spec §4.7.2): it is
// called with the identity of the previous hop (resolved from the caller's
// TLS CN) so it knows which link to pull Q_prev from. The returned material
// is exactly what gets written back to the caller: at the final hop it is
// the locally computed carry; at every intermediate hop it is whatever the
// next hop returned, passed through unmodified (spec's synchronous
// bubble-up, grounded on the original ext_keys handler's `return resp`).
func (e *Engine) HandleHop(ctx context.Context, prevHopTnID string, env domain.RelayEnvelope) (carryOut []byte, err error) {
	link, ok := e.links[prevHopTnID]
	if !ok {
		return nil, errors.New(errors.KindRouting, fmt.Sprintf("no direct link to previous hop %q", prevHopTnID))
	}

	qPrev, err := link.fetchDecKey(ctx, e.selfTnID, env.CurrentKeyID)
	if err != nil {
		return nil, errors.Wrap(errors.KindRelay, "fetching previous-hop key", err)
	}

	carry, err := xorSameLength(env.XorMaterial, qPrev)
	if err != nil {
		return nil, err
	}

	// env.PathToGo[0] is this node's own id (the convention Initiate and
	// every forward below construct): strip it before testing for the
	// terminal case or reading the next hop, matching kmapi.py's
	// `path_to_go = data.path_to_go[1:]` done ahead of both.
	var remaining []string
	if len(env.PathToGo) > 0 {
		remaining = env.PathToGo[1:]
	}

	if len(remaining) == 0 {
		e.activateLocal(env.FirstKeyID, env.InitiatorSaeID, env.TargetSaeID, len(carry)*8, carry)
		return carry, nil
	}

	nextHop := remaining[0]
	nextLink, ok := e.links[nextHop]
	if !ok {
		return nil, errors.New(errors.KindRouting, fmt.Sprintf("no direct link to next hop %q", nextHop))
	}

	qNextID, qNext, err := nextLink.fetchEncKey(ctx, e.selfTnID, len(carry)*8)
	if err != nil {
		return nil, errors.Wrap(errors.KindRelay, "fetching next-hop key", err)
	}

	mask, err := xorSameLength(carry, qNext)
	if err != nil {
		return nil, err
	}

	forward := peerRelayRequest{
		FirstKeyID:        env.FirstKeyID,
		CurrentKeyID:      qNextID,
		XorMaterial:       base64.StdEncoding.EncodeToString(mask),
		InitiatorTnID:     env.InitiatorTnID,
		InitiatorSaeID:    env.InitiatorSaeID,
		TargetTnID:        env.TargetTnID,
		TargetSaeID:       env.TargetSaeID,
		PathToGo:          remaining,
		DiscoveredNetwork: env.DiscoveredNetwork,
	}

	result, err := e.postToPeer(ctx, nextLink, forward)
	if err != nil {
		e.compensate(ctx, nextLink, qNextID)
		return nil, errors.Wrap(errors.KindRelay, "relay hop failed", err)
	}

	delivered, err := base64.StdEncoding.DecodeString(result.Key)
	if err != nil {
		return nil, errors.Wrap(errors.KindRelay, "decoding delivered key material", err)
	}
	return delivered, nil
}

func xorSameLength(a, b []byte) ([]byte, error) {
	if a == nil {
		return append([]byte(nil), b...), nil
	}
	if len(a) != len(b) {
		return nil, errors.New(errors.KindRelay, "mismatched key lengths in XOR chain")
	}
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out, nil
}

func (e *Engine) activateLocal(keyID, masterSaeID, slaveSaeID string, sizeBits int, material []byte) {
	e.pool.Insert(domain.Key{KeyID: keyID, Material: material})
	if _, err := e.pool.Activate(keyID, masterSaeID, slaveSaeID, sizeBits); err != nil {
		e.log.Warn("local activation during relay failed", map[string]interface{}{"key_id": keyID, "error": err.Error()})
	}
}

// compensate issues a best-effort deactivation for a key consumed before a
// later hop failed (spec §4.7 failure handling): partial keys already
// activated are left activated if the compensating call also fails.
func (e *Engine) compensate(ctx context.Context, link Link, keyID string) {
	ctx, cancel := context.WithTimeout(ctx, hopTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/v1/keys/%s/dec_keys?key_ID=%s", link.URL, e.selfTnID, keyID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	resp, err := link.client.Do(req)
	if err != nil {
		e.log.Warn("compensating deactivation failed", map[string]interface{}{"key_id": keyID, "error": err.Error()})
		return
	}
	resp.Body.Close()
}

func (e *Engine) postToPeer(ctx context.Context, link Link, env peerRelayRequest) (*peerRelayResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, hopTimeout)
	defer cancel()

	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, link.URL+"/api/v1/kmapi/v1/ext_keys", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := link.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out peerRelayResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Void walks the decryption path, deactivating at each hop (spec §4.7.3).
// Shared by the originating caller (gateway's decKeys, with env.PathToGo
// set to the full path starting at this node's own id, same convention as
// Initiate's path) and the /void handler processing a forwarded hop: either
// way env.PathToGo[0] is this node's own id and gets stripped first, same
// as HandleHop.
func (e *Engine) Void(ctx context.Context, env domain.VoidEnvelope) error {
	for _, keyID := range env.KeyIDs {
		if _, err := e.pool.Deactivate(keyID); err != nil {
			e.log.Warn("void: key already absent", map[string]interface{}{"key_id": keyID})
		}
	}

	var remaining []string
	if len(env.PathToGo) > 0 {
		remaining = env.PathToGo[1:]
	}
	if len(remaining) == 0 {
		return nil
	}

	nextHop := remaining[0]
	link, ok := e.links[nextHop]
	if !ok {
		return errors.New(errors.KindRouting, fmt.Sprintf("no direct link to next hop %q", nextHop))
	}

	body, err := json.Marshal(domain.VoidEnvelope{
		KeyIDs:            env.KeyIDs,
		InitiatorSaeID:    env.InitiatorSaeID,
		TargetSaeID:       env.TargetSaeID,
		PathToGo:          remaining,
		DiscoveredNetwork: env.DiscoveredNetwork,
	})
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, hopTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, link.URL+"/api/v1/kmapi/v1/void", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := link.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.KindRelay, "void hop failed", err)
	}
	defer resp.Body.Close()
	return nil
}
