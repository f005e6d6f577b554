// Package gateway implements the SAE-facing (ETSI GS QKD 014) and
// KME-facing request endpoints (spec §4.8): identifies the TLS peer,
// enforces admission, and dispatches to the local pool or the relay
// state machine.
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"

	"kme/internal/discovery"
	"kme/internal/domain"
	"kme/internal/identity"
	"kme/internal/keypool"
	"kme/internal/pathfinder"
	"kme/internal/poolsync"
	"kme/internal/relay"
	"kme/pkg/config"
	"kme/pkg/errors"
	"kme/pkg/logger"
	"kme/pkg/validator"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Gateway wires the request-facing endpoints to the core components.
type Gateway struct {
	cfg          *config.Config
	selfTnID     string
	pool         *keypool.Pool
	sync         *poolsync.Synchronizer
	identity     *identity.Table
	discovery    *discovery.Engine
	relay        *relay.Engine
	validate     *validator.Validator
	log          logger.Logger
	masterURL    string
	masterClient *http.Client
}

// New builds a Gateway. selfTnID is this KME's own trusted-node id, used to
// plan a path to a remote SAE's owning node (spec §4.6). masterURL/
// masterClient are only used on a slave KME (spec §12.2): a slave's own
// pool is a passive mirror of the bus, so it delegates local activation to
// the master over HTTPS rather than mutating its copy directly.
func New(cfg *config.Config, selfTnID string, pool *keypool.Pool, sync *poolsync.Synchronizer, idTable *identity.Table, disc *discovery.Engine, relayEngine *relay.Engine, masterURL string, masterClient *http.Client, log logger.Logger) *Gateway {
	return &Gateway{
		cfg:          cfg,
		selfTnID:     selfTnID,
		pool:         pool,
		sync:         sync,
		identity:     idTable,
		discovery:    disc,
		relay:        relayEngine,
		validate:     validator.New(),
		masterURL:    masterURL,
		masterClient: masterClient,
		log:          log,
	}
}

func (g *Gateway) isLocalSAE(saeID string) bool {
	for _, s := range g.cfg.KME.AttachedSaes {
		if s.SaeID == saeID {
			return true
		}
	}
	return false
}

// Routes registers every endpoint named in spec §6 on router.
func (g *Gateway) Routes(router *mux.Router) {
	router.HandleFunc("/api/v1/keys/{slave_sae_id}/status", g.status).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/keys/{slave_sae_id}/enc_keys", g.encKeys).Methods(http.MethodGet, http.MethodPost)
	router.HandleFunc("/api/v1/keys/{master_sae_id}/dec_keys", g.decKeys).Methods(http.MethodGet, http.MethodPost)

	router.HandleFunc("/api/v1/discover/trusted_nodes", g.discoverTrustedNodes).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/kmapi/v1/ext_keys", g.extKeys).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/kmapi/v1/void", g.void).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/kmapi/versions", g.versions).Methods(http.MethodGet)

	router.HandleFunc("/api/v1/internal/ask_for_key", g.askForKey).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/internal/deactivate_key", g.deactivateKeyInternal).Methods(http.MethodPost)
}

func (g *Gateway) principal(r *http.Request) (identity.Principal, error) {
	if r.TLS == nil {
		return identity.Principal{}, errors.New(errors.KindIdentity, "connection is not TLS")
	}
	return g.identity.Resolve(r.TLS)
}

// status implements GET /api/v1/keys/{slave_sae_id}/status (spec §6).
func (g *Gateway) status(w http.ResponseWriter, r *http.Request) {
	if _, err := g.principal(r); err != nil {
		respondError(w, err)
		return
	}

	slaveSaeID := mux.Vars(r)["slave_sae_id"]
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"source_KME_ID":     g.cfg.KME.ID,
		"target_KME_ID":     g.cfg.KME.ID,
		"master_SAE_ID":     "",
		"slave_SAE_ID":      slaveSaeID,
		"key_size":          g.cfg.KME.DefaultKeySize,
		"stored_key_count":  g.pool.Count(),
		"max_key_count":     g.cfg.KME.MaxKeyCount,
		"max_key_per_request": g.cfg.KME.MaxKeysPerRequest,
		"max_key_size":      g.cfg.KME.MaxKeySize,
		"min_key_size":      g.cfg.KME.MinKeySize,
		"max_SAE_ID_count":  0,
	})
}

type keyDocument struct {
	KeyID string `json:"key_ID"`
	Key   string `json:"key"`
}

type keysResponse struct {
	Keys []keyDocument `json:"keys"`
}

func requestedNumberSize(r *http.Request, defaultSize int) (number, size int) {
	number = 1
	size = defaultSize

	q := r.URL.Query()
	if v := q.Get("number"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			number = n
		}
	}
	if v := q.Get("size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			size = n
		}
	}
	return
}

// encKeys implements GET/POST /api/v1/keys/{slave_sae_id}/enc_keys
// (spec §6): admission-checked local activation.
func (g *Gateway) encKeys(w http.ResponseWriter, r *http.Request) {
	principal, err := g.principal(r)
	if err != nil {
		respondError(w, err)
		return
	}

	slaveSaeID := mux.Vars(r)["slave_sae_id"]
	number, size := requestedNumberSize(r, g.cfg.KME.DefaultKeySize)

	if g.isLocalSAE(slaveSaeID) {
		if err := g.admitSizeAndNumber(size, number); err != nil {
			respondError(w, err)
			return
		}
		g.encKeysLocal(w, r, principal, slaveSaeID, size, number)
		return
	}

	if size <= 0 || size%8 != 0 || size < g.cfg.KME.MinKeySize || size > g.cfg.KME.MaxKeySize {
		respondError(w, errors.Wrap(errors.KindAdmission, "requested size outside configured bounds", errors.ErrSizeOutOfRange))
		return
	}
	if number <= 0 || number > g.cfg.KME.MaxKeysPerRequest {
		respondError(w, errors.Wrap(errors.KindAdmission, "requested number outside configured bounds", errors.ErrNumberOutOfRange))
		return
	}

	g.encKeysRemote(w, r, principal, slaveSaeID, size, number)
}

// encKeysLocal activates keys already present in this KME's own pool,
// shared directly with slaveSaeID's local KME pair (spec §4.8 step 3). A
// slave KME's pool is only a mirror of the master's bus, so it delegates
// the activation decision to the master instead (spec §12.2).
func (g *Gateway) encKeysLocal(w http.ResponseWriter, r *http.Request, principal identity.Principal, slaveSaeID string, size, number int) {
	if !g.cfg.KME.IsMaster {
		g.encKeysLocalAsSlave(w, r, principal, slaveSaeID, size, number)
		return
	}

	keys := make([]keyDocument, 0, number)
	for i := 0; i < number; i++ {
		k, ok := g.pool.TakeOne()
		if !ok {
			respondError(w, errors.Wrap(errors.KindAdmission, "pool exhausted", errors.ErrPoolExhausted))
			return
		}
		// Put it straight back as activated: the pool owns it until the
		// counterpart SAE retrieves/voids it (spec §3).
		g.pool.Insert(k)
		activated, err := g.pool.Activate(k.KeyID, principal.ID, slaveSaeID, size)
		if err != nil {
			respondError(w, err)
			return
		}
		if g.sync != nil {
			if err := g.sync.PublishActivated(r.Context(), activated); err != nil {
				g.log.Warn("publishing activated_key failed", map[string]interface{}{"key_id": activated.KeyID, "error": err.Error()})
			}
		}
		keys = append(keys, keyDocument{KeyID: activated.KeyID, Key: base64.StdEncoding.EncodeToString(activated.MaterialPrefix)})
	}

	respondJSON(w, http.StatusOK, keysResponse{Keys: keys})
}

func (g *Gateway) encKeysLocalAsSlave(w http.ResponseWriter, r *http.Request, principal identity.Principal, slaveSaeID string, size, number int) {
	keys := make([]keyDocument, 0, number)
	for i := 0; i < number; i++ {
		doc, activated, err := g.askMasterForKey(r.Context(), principal.ID, slaveSaeID, size)
		if err != nil {
			respondError(w, err)
			return
		}
		g.pool.AdoptActivated(activated)
		keys = append(keys, doc)
	}
	respondJSON(w, http.StatusOK, keysResponse{Keys: keys})
}

func (g *Gateway) askMasterForKey(ctx context.Context, masterSaeID, slaveSaeID string, size int) (keyDocument, domain.ActivatedKey, error) {
	body, err := json.Marshal(askForKeyRequest{MasterSaeID: masterSaeID, SlaveSaeID: slaveSaeID, Size: size})
	if err != nil {
		return keyDocument{}, domain.ActivatedKey{}, errors.Wrap(errors.KindFatal, "marshaling ask_for_key request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.masterURL+"/api/v1/internal/ask_for_key", bytes.NewReader(body))
	if err != nil {
		return keyDocument{}, domain.ActivatedKey{}, errors.Wrap(errors.KindTransient, "building ask_for_key request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.masterClient.Do(req)
	if err != nil {
		return keyDocument{}, domain.ActivatedKey{}, errors.Wrap(errors.KindTransient, "calling master ask_for_key", err)
	}
	defer resp.Body.Close()

	var out struct {
		Data keyDocument `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return keyDocument{}, domain.ActivatedKey{}, errors.Wrap(errors.KindTransient, "decoding ask_for_key response", err)
	}

	material, err := base64.StdEncoding.DecodeString(out.Data.Key)
	if err != nil {
		return keyDocument{}, domain.ActivatedKey{}, errors.Wrap(errors.KindTransient, "decoding key material", err)
	}

	activated := domain.ActivatedKey{
		KeyID:          out.Data.KeyID,
		MasterSaeID:    masterSaeID,
		SlaveSaeID:     slaveSaeID,
		SizeBits:       size,
		MaterialPrefix: material,
	}
	return out.Data, activated, nil
}

// encKeysRemote discovers the trusted-node overlay, plans a path to
// slaveSaeID's owning node, and drives the relay state machine to deliver
// fresh key material across it (spec §4.6, §4.7, §4.8 step 3).
func (g *Gateway) encKeysRemote(w http.ResponseWriter, r *http.Request, principal identity.Principal, slaveSaeID string, size, number int) {
	network := g.discovery.Discover(r.Context())

	var targetTnID string
	for _, rec := range network {
		if rec.TnID == g.selfTnID {
			continue
		}
		for _, sae := range rec.SaeIDs {
			if sae == slaveSaeID {
				targetTnID = rec.TnID
				break
			}
		}
		if targetTnID != "" {
			break
		}
	}
	if targetTnID == "" {
		respondError(w, errors.New(errors.KindRouting, "the given slave_sae_id cannot be routed to"))
		return
	}

	path, err := pathfinder.BuildGraph(network).FindPath(g.selfTnID, targetTnID)
	if err != nil {
		respondError(w, err)
		return
	}

	keys := make([]keyDocument, 0, number)
	for i := 0; i < number; i++ {
		firstKeyID := uuid.NewString()
		material, err := g.relay.Initiate(r.Context(), firstKeyID, size, principal.ID, slaveSaeID, targetTnID, path, network)
		if err != nil {
			respondError(w, err)
			return
		}
		keys = append(keys, keyDocument{KeyID: firstKeyID, Key: base64.StdEncoding.EncodeToString(material)})
	}

	respondJSON(w, http.StatusOK, keysResponse{Keys: keys})
}

type askForKeyRequest struct {
	MasterSaeID string `json:"master_sae_id" validate:"required"`
	SlaveSaeID  string `json:"slave_sae_id" validate:"required"`
	Size        int    `json:"size" validate:"omitempty,min=8,multiple8"`
}

type deactivateKeyRequest struct {
	KeyID string `json:"key_ID" validate:"required"`
}

// askForKey implements POST /api/v1/internal/ask_for_key (SPEC_FULL.md §12.2):
// a slave KME's local pool activation has to go through the master, since
// the master is the bus's single writer. Master-only; both SAE ids must be
// ones this KME actually has attached (spec §4.8 step 1's identity check,
// applied to the SAE ids named in the body rather than a TLS principal).
func (g *Gateway) askForKey(w http.ResponseWriter, r *http.Request) {
	if !g.cfg.KME.IsMaster {
		respondError(w, errors.New(errors.KindIdentity, "this endpoint can only be used by slaves, against their master"))
		return
	}

	var req askForKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, errors.Wrap(errors.KindValidation, "malformed request body", err))
		return
	}
	if err := g.validate.Validate(req); err != nil {
		respondError(w, errors.Wrap(errors.KindValidation, "invalid request body", err))
		return
	}
	if !g.isLocalSAE(req.MasterSaeID) {
		respondError(w, errors.New(errors.KindValidation, "the given master_sae_id is not found"))
		return
	}
	if !g.isLocalSAE(req.SlaveSaeID) {
		respondError(w, errors.New(errors.KindValidation, "the given slave_sae_id is not found"))
		return
	}

	size := req.Size
	if size == 0 {
		size = g.cfg.KME.DefaultKeySize
	}
	if err := g.admitSizeAndNumber(size, 1); err != nil {
		respondError(w, err)
		return
	}

	k, ok := g.pool.TakeOne()
	if !ok {
		respondError(w, errors.Wrap(errors.KindAdmission, "pool exhausted", errors.ErrPoolExhausted))
		return
	}
	g.pool.Insert(k)
	activated, err := g.pool.Activate(k.KeyID, req.MasterSaeID, req.SlaveSaeID, size)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"data": keyDocument{
		KeyID: activated.KeyID,
		Key:   base64.StdEncoding.EncodeToString(activated.MaterialPrefix),
	}})
}

// deactivateKeyInternal implements POST /api/v1/internal/deactivate_key
// (SPEC_FULL.md §12.2): the slave-originated counterpart of askForKey.
func (g *Gateway) deactivateKeyInternal(w http.ResponseWriter, r *http.Request) {
	if !g.cfg.KME.IsMaster {
		respondError(w, errors.New(errors.KindIdentity, "this endpoint can only be used by slaves, against their master"))
		return
	}

	var req deactivateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, errors.Wrap(errors.KindValidation, "malformed request body", err))
		return
	}
	if err := g.validate.Validate(req); err != nil {
		respondError(w, errors.Wrap(errors.KindValidation, "invalid request body", err))
		return
	}

	activated, err := g.pool.Deactivate(req.KeyID)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]string{"key_ID": activated.KeyID}})
}

// decKeys implements GET/POST /api/v1/keys/{master_sae_id}/dec_keys
// (spec §6).
func (g *Gateway) decKeys(w http.ResponseWriter, r *http.Request) {
	if _, err := g.principal(r); err != nil {
		respondError(w, err)
		return
	}

	keyID := r.URL.Query().Get("key_ID")
	if keyID == "" {
		respondError(w, errors.New(errors.KindValidation, "key_ID is required"))
		return
	}

	activated, ok := g.pool.LookupActivated(keyID)
	if !ok {
		respondError(w, errors.Wrap(errors.KindNotFound, "key not found", errors.ErrKeyNotFound))
		return
	}

	g.voidRelayedKey(r.Context(), activated)

	respondJSON(w, http.StatusOK, keysResponse{Keys: []keyDocument{
		{KeyID: activated.KeyID, Key: base64.StdEncoding.EncodeToString(activated.MaterialPrefix)},
	}})
}

// voidRelayedKey originates a void walk (spec §4.7.3) once the decrypting
// SAE has retrieved a relayed key's material, releasing the per-hop QKD
// keys consumed along the way. Grounded on request_processor.py's
// get_decryption_keys: the master SAE's owning node is rediscovered the
// same way encKeysRemote locates a slave's, and the walk is skipped when
// that node is this one, since a purely local exchange never consumed any
// hop links. Best-effort: a failure here does not fail the dec_keys call,
// the caller already has their key material.
func (g *Gateway) voidRelayedKey(ctx context.Context, activated domain.ActivatedKey) {
	if g.isLocalSAE(activated.MasterSaeID) {
		return
	}

	network := g.discovery.Discover(ctx)

	var targetTnID string
	for _, rec := range network {
		if rec.TnID == g.selfTnID {
			continue
		}
		for _, sae := range rec.SaeIDs {
			if sae == activated.MasterSaeID {
				targetTnID = rec.TnID
				break
			}
		}
		if targetTnID != "" {
			break
		}
	}
	if targetTnID == "" {
		return
	}

	path, err := pathfinder.BuildGraph(network).FindPath(g.selfTnID, targetTnID)
	if err != nil || len(path) < 2 {
		return
	}

	env := domain.VoidEnvelope{
		KeyIDs:            []string{activated.KeyID},
		InitiatorSaeID:    activated.SlaveSaeID,
		TargetSaeID:       activated.MasterSaeID,
		PathToGo:          path,
		DiscoveredNetwork: network,
	}
	if err := g.relay.Void(ctx, env); err != nil {
		g.log.Warn("void walk failed", map[string]interface{}{"key_id": activated.KeyID, "error": err.Error()})
	}
}

func (g *Gateway) admitSizeAndNumber(size, number int) error {
	if size <= 0 || size%8 != 0 || size < g.cfg.KME.MinKeySize || size > g.cfg.KME.MaxKeySize {
		return errors.Wrap(errors.KindAdmission, "requested size outside configured bounds", errors.ErrSizeOutOfRange)
	}
	if number <= 0 || number > g.cfg.KME.MaxKeysPerRequest {
		return errors.Wrap(errors.KindAdmission, "requested number outside configured bounds", errors.ErrNumberOutOfRange)
	}
	if number >= g.pool.Count() {
		return errors.Wrap(errors.KindAdmission, "more requested than available", errors.ErrPoolExhausted)
	}
	return nil
}

// discoverTrustedNodes implements POST /api/v1/discover/trusted_nodes
// (spec §6).
func (g *Gateway) discoverTrustedNodes(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WalkedNodes []domain.TrustedNodeRecord `json:"walked_nodes"`
		Distance    int                        `json:"distance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, errors.Wrap(errors.KindValidation, "malformed request body", err))
		return
	}

	result := g.discovery.HandleWalk(r.Context(), req.WalkedNodes, req.Distance)
	respondJSON(w, http.StatusOK, map[string]interface{}{"walked_nodes": result})
}

// extKeys implements POST /api/v1/kmapi/v1/ext_keys (spec §6, §4.7).
func (g *Gateway) extKeys(w http.ResponseWriter, r *http.Request) {
	principal, err := g.principal(r)
	if err != nil {
		respondError(w, err)
		return
	}

	var env domain.RelayEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		respondError(w, errors.Wrap(errors.KindValidation, "malformed relay envelope", err))
		return
	}

	carry, err := g.relay.HandleHop(r.Context(), principal.ID, env)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"key_ID": env.FirstKeyID,
		"key":    base64.StdEncoding.EncodeToString(carry),
	})
}

// void implements POST /api/v1/kmapi/v1/void (spec §6, §4.7.3).
func (g *Gateway) void(w http.ResponseWriter, r *http.Request) {
	if _, err := g.principal(r); err != nil {
		respondError(w, err)
		return
	}

	var env domain.VoidEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		respondError(w, errors.Wrap(errors.KindValidation, "malformed void envelope", err))
		return
	}

	if err := g.relay.Void(r.Context(), env); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"acknowledged": true})
}

// versions implements GET /api/v1/kmapi/versions (spec §6, §12.3).
func (g *Gateway) versions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"versions":  []string{"v1"},
		"extension": map[string]interface{}{},
	})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// respondError maps a core error Kind to the HTTP status the gateway
// renders it as (spec §7): 422 for shape failures, 404 for missing keys,
// 400 for everything else admission/identity/routing/relay-related raises.
func respondError(w http.ResponseWriter, err error) {
	kind := errors.KindOf(err)

	status := http.StatusBadRequest
	switch kind {
	case errors.KindValidation:
		status = http.StatusUnprocessableEntity
	case errors.KindNotFound:
		status = http.StatusNotFound
	}

	respondJSON(w, status, map[string]string{"message": err.Error()})
}
