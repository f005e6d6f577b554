package gateway

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"kme/internal/discovery"
	"kme/internal/domain"
	"kme/internal/identity"
	"kme/internal/keypool"
	"kme/internal/poolsync"
	"kme/internal/relay"
	"kme/pkg/config"
	"kme/pkg/logger"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSelfSignedCert(t *testing.T, dir, cn string) (*x509.Certificate, string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	path := filepath.Join(dir, cn+".pem")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: der}))

	return cert, path
}

func newTestGateway(t *testing.T) (*Gateway, *x509.Certificate) {
	dir := t.TempDir()
	saeCert, saePath := writeSelfSignedCert(t, dir, "sae-1")

	idTable := identity.NewTable()
	require.NoError(t, idTable.Add(identity.KindSAE, "sae-1", saePath))

	pool := keypool.New(10)
	cfg := &config.Config{KME: config.KME{
		ID:                "kme-a",
		IsMaster:          true,
		MinKeySize:        8,
		MaxKeySize:        256,
		DefaultKeySize:    128,
		MaxKeyCount:       10,
		MaxKeysPerRequest: 5,
		AttachedSaes:      []config.AttachedSAE{{SaeID: "sae-2"}},
	}}

	disc := discovery.New(discovery.Self{TnID: "A"}, nil, &http.Client{}, logger.NewNop())
	relayEngine := relay.New("A", pool, nil, logger.NewNop())

	gw := New(cfg, "A", pool, nil, idTable, disc, relayEngine, "", &http.Client{}, logger.NewNop())
	return gw, saeCert
}

func withPrincipal(r *http.Request, cert *x509.Certificate) *http.Request {
	r.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}
	return r
}

func TestEncKeys_AdmissionRejectsOversize(t *testing.T) {
	gw, cert := newTestGateway(t)
	gw.pool.Insert(domain.Key{KeyID: "k1", Material: make([]byte, 32)})

	router := mux.NewRouter()
	gw.Routes(router)

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/v1/keys/sae-2/enc_keys?size=4096", nil), cert)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEncKeys_HappyPath(t *testing.T) {
	gw, cert := newTestGateway(t)
	gw.pool.Insert(domain.Key{KeyID: "k1", Material: make([]byte, 32)})
	gw.pool.Insert(domain.Key{KeyID: "k2", Material: make([]byte, 32)})

	router := mux.NewRouter()
	gw.Routes(router)

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/v1/keys/sae-2/enc_keys?size=128", nil), cert)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp keysResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Keys, 1)
	assert.Equal(t, "k1", resp.Keys[0].KeyID)
}

func TestEncKeys_UnknownPrincipalRejected(t *testing.T) {
	dir := t.TempDir()
	rogueCert, _ := writeSelfSignedCert(t, dir, "rogue")

	gw, _ := newTestGateway(t)
	router := mux.NewRouter()
	gw.Routes(router)

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/v1/keys/sae-2/enc_keys?size=128", nil), rogueCert)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// remoteNeighborServer stands in for trusted node B: it answers the
// discovery walk with its own record (advertising sae-remote) and serves
// the ETSI enc_keys endpoint A's relay engine fetches Q0 from.
func remoteNeighborServer(t *testing.T, material []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/discover/trusted_nodes", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"walked_nodes": []domain.TrustedNodeRecord{{
				TnID:          "B",
				SaeIDs:        []string{"sae-remote"},
				NeighborTnIDs: nil,
				Distance:      1,
			}},
		})
	})
	mux.HandleFunc("/api/v1/keys/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"key_ID": "q0",
				"key":    base64.StdEncoding.EncodeToString(material),
			}},
		})
	})
	return httptest.NewServer(mux)
}

func TestEncKeys_RemoteSAERoutesThroughRelay(t *testing.T) {
	material := []byte{0xAA, 0xBB}
	srv := remoteNeighborServer(t, material)
	defer srv.Close()

	dir := t.TempDir()
	saeCert, saePath := writeSelfSignedCert(t, dir, "sae-1")

	idTable := identity.NewTable()
	require.NoError(t, idTable.Add(identity.KindSAE, "sae-1", saePath))

	pool := keypool.New(10)
	cfg := &config.Config{KME: config.KME{
		ID:                "kme-a",
		MinKeySize:        8,
		MaxKeySize:        256,
		DefaultKeySize:    128,
		MaxKeyCount:       10,
		MaxKeysPerRequest: 5,
	}}

	disc := discovery.New(discovery.Self{TnID: "A", NeighborTnIDs: []string{"B"}}, []discovery.Neighbor{{TnID: "B", URL: srv.URL}}, &http.Client{}, logger.NewNop())
	relayEngine := relay.New("A", pool, map[string]relay.Link{
		"B": relay.NewLink("B", srv.URL, &http.Client{}),
	}, logger.NewNop())

	gw := New(cfg, "A", pool, nil, idTable, disc, relayEngine, "", &http.Client{}, logger.NewNop())
	router := mux.NewRouter()
	gw.Routes(router)

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/v1/keys/sae-remote/enc_keys?size=16", nil), saeCert)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp keysResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Keys, 1)
	gotMaterial, err := base64.StdEncoding.DecodeString(resp.Keys[0].Key)
	require.NoError(t, err)
	assert.Equal(t, material, gotMaterial)
}

func TestEncKeys_RemoteSAEUnroutableRejected(t *testing.T) {
	gw, cert := newTestGateway(t)
	router := mux.NewRouter()
	gw.Routes(router)

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/v1/keys/sae-nowhere/enc_keys?size=128", nil), cert)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAskForKey_RejectsOnNonMaster(t *testing.T) {
	pool := keypool.New(10)
	cfg := &config.Config{KME: config.KME{
		ID:                "kme-slave",
		IsMaster:          false,
		MinKeySize:        8,
		MaxKeySize:        256,
		DefaultKeySize:    128,
		MaxKeyCount:       10,
		MaxKeysPerRequest: 5,
	}}
	disc := discovery.New(discovery.Self{TnID: "A"}, nil, &http.Client{}, logger.NewNop())
	relayEngine := relay.New("A", pool, nil, logger.NewNop())
	gw := New(cfg, "A", pool, nil, identity.NewTable(), disc, relayEngine, "", &http.Client{}, logger.NewNop())
	router := mux.NewRouter()
	gw.Routes(router)

	body, _ := json.Marshal(askForKeyRequest{MasterSaeID: "sae-1", SlaveSaeID: "sae-2", Size: 128})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/ask_for_key", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAskForKey_MasterActivatesAndReturnsMaterial(t *testing.T) {
	pool := keypool.New(10)
	pool.Insert(domain.Key{KeyID: "k1", Material: make([]byte, 32)})
	pool.Insert(domain.Key{KeyID: "k2", Material: make([]byte, 32)})

	cfg := &config.Config{KME: config.KME{
		ID:                "kme-master",
		IsMaster:          true,
		MinKeySize:        8,
		MaxKeySize:        256,
		DefaultKeySize:    128,
		MaxKeyCount:       10,
		MaxKeysPerRequest: 5,
		AttachedSaes:      []config.AttachedSAE{{SaeID: "sae-1"}, {SaeID: "sae-2"}},
	}}

	sync := poolsync.New(pool, nil, true, 256, time.Second, logger.NewNop())
	disc := discovery.New(discovery.Self{TnID: "A"}, nil, &http.Client{}, logger.NewNop())
	relayEngine := relay.New("A", pool, nil, logger.NewNop())

	gw := New(cfg, "A", pool, sync, identity.NewTable(), disc, relayEngine, "", &http.Client{}, logger.NewNop())
	router := mux.NewRouter()
	gw.Routes(router)

	reqBody, _ := json.Marshal(askForKeyRequest{MasterSaeID: "sae-1", SlaveSaeID: "sae-2", Size: 128})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/ask_for_key", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Data keyDocument `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "k1", out.Data.KeyID)
}

func TestAdmitSizeAndNumber_RejectsWhenNumberEqualsCount(t *testing.T) {
	// spec §8 boundary case: number = pool.count() is rejected, not admitted.
	gw, cert := newTestGateway(t)
	gw.pool.Insert(domain.Key{KeyID: "k1", Material: make([]byte, 32)})

	router := mux.NewRouter()
	gw.Routes(router)

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/v1/keys/sae-2/enc_keys?size=128&number=1", nil), cert)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// remoteMasterVoidServer stands in for trusted node B, which owns the
// master SAE a relayed key was delivered for: it answers discovery with
// its own record and captures whatever void envelope eventually arrives on
// /api/v1/kmapi/v1/void.
func remoteMasterVoidServer(t *testing.T, masterSaeID string) (*httptest.Server, chan domain.VoidEnvelope) {
	t.Helper()
	voided := make(chan domain.VoidEnvelope, 1)
	m := http.NewServeMux()
	m.HandleFunc("/api/v1/discover/trusted_nodes", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"walked_nodes": []domain.TrustedNodeRecord{{
				TnID:   "B",
				SaeIDs: []string{masterSaeID},
			}},
		})
	})
	m.HandleFunc("/api/v1/kmapi/v1/void", func(w http.ResponseWriter, r *http.Request) {
		var env domain.VoidEnvelope
		json.NewDecoder(r.Body).Decode(&env)
		voided <- env
	})
	return httptest.NewServer(m), voided
}

func TestDecKeys_OriginatesVoidWalkForRemoteMaster(t *testing.T) {
	srv, voided := remoteMasterVoidServer(t, "sae-remote-master")
	defer srv.Close()

	dir := t.TempDir()
	saeCert, saePath := writeSelfSignedCert(t, dir, "sae-1")
	idTable := identity.NewTable()
	require.NoError(t, idTable.Add(identity.KindSAE, "sae-1", saePath))

	pool := keypool.New(10)
	pool.Insert(domain.Key{KeyID: "relayed-key", Material: make([]byte, 16)})
	_, err := pool.Activate("relayed-key", "sae-remote-master", "sae-1", 128)
	require.NoError(t, err)

	cfg := &config.Config{KME: config.KME{
		ID:                "kme-a",
		MinKeySize:        8,
		MaxKeySize:        256,
		DefaultKeySize:    128,
		MaxKeyCount:       10,
		MaxKeysPerRequest: 5,
		AttachedSaes:      []config.AttachedSAE{{SaeID: "sae-1"}},
	}}

	disc := discovery.New(discovery.Self{TnID: "A", NeighborTnIDs: []string{"B"}}, []discovery.Neighbor{{TnID: "B", URL: srv.URL}}, &http.Client{}, logger.NewNop())
	relayEngine := relay.New("A", pool, map[string]relay.Link{
		"B": relay.NewLink("B", srv.URL, &http.Client{}),
	}, logger.NewNop())

	gw := New(cfg, "A", pool, nil, idTable, disc, relayEngine, "", &http.Client{}, logger.NewNop())
	router := mux.NewRouter()
	gw.Routes(router)

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/v1/keys/sae-1/dec_keys?key_ID=relayed-key", nil), saeCert)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case env := <-voided:
		assert.Equal(t, []string{"relayed-key"}, env.KeyIDs)
		assert.Equal(t, "sae-remote-master", env.TargetSaeID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a void walk to be posted to the remote node")
	}
}

func TestVersions_NoAuthRequired(t *testing.T) {
	gw, _ := newTestGateway(t)
	router := mux.NewRouter()
	gw.Routes(router)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/kmapi/versions", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
