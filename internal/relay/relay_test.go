package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"kme/internal/domain"
	"kme/internal/keypool"
	"kme/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXorSameLength_FirstHopPassesThrough(t *testing.T) {
	out, err := xorSameLength(nil, []byte{0x0F, 0x0F})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0F, 0x0F}, out)
}

func TestXorSameLength_ChainsCorrectly(t *testing.T) {
	// spec §8 scenario 4: Q_AB=0x0F0F, Q_BC=0x00FF -> carry at C = 0x0FF0
	qAB := []byte{0x0F, 0x0F}
	qBC := []byte{0x00, 0xFF}

	carry, err := xorSameLength(nil, qAB)
	require.NoError(t, err)

	delivered, err := xorSameLength(carry, qBC)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0F, 0xF0}, delivered)
}

func TestXorSameLength_RejectsMismatchedLengths(t *testing.T) {
	_, err := xorSameLength([]byte{1, 2, 3}, []byte{1, 2})
	assert.Error(t, err)
}

func TestBeginEnd_DetectsConflict(t *testing.T) {
	e := New("A", keypool.New(10), nil, logger.NewNop())

	require.NoError(t, e.begin("k1"))
	err := e.begin("k1")
	assert.Error(t, err)

	e.end("k1")
	assert.NoError(t, e.begin("k1"))
}

func etsiServer(t *testing.T, keyID string, material []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(etsiKeysResponse{Keys: []etsiKey{{
			KeyID: keyID,
			Key:   base64.StdEncoding.EncodeToString(material),
		}}})
	}))
}

func TestInitiate_SingleHopReducesToQ0(t *testing.T) {
	material := []byte{0xAB, 0xCD}
	srv := etsiServer(t, "q0", material)
	defer srv.Close()

	pool := keypool.New(10)
	e := New("A", pool, map[string]Link{
		"B": NewLink("B", srv.URL, &http.Client{}),
	}, logger.NewNop())

	delivered, err := e.Initiate(context.Background(), "first-key", 16, "sae-m", "sae-s", "B", []string{"A", "B"}, nil)
	require.NoError(t, err)
	assert.Equal(t, material, delivered)

	got, ok := pool.LookupActivated("q0")
	require.True(t, ok)
	assert.Equal(t, "sae-m", got.MasterSaeID)
}

func TestHandleHop_TerminalInstallsActivatedKey(t *testing.T) {
	qPrev := []byte{0x00, 0xFF}
	srv := etsiServer(t, "qprev", qPrev)
	defer srv.Close()

	pool := keypool.New(10)
	e := New("C", pool, map[string]Link{
		"B": NewLink("B", srv.URL, &http.Client{}),
	}, logger.NewNop())

	env := domain.RelayEnvelope{
		FirstKeyID:     "first-key",
		CurrentKeyID:   "qprev",
		XorMaterial:    []byte{0x0F, 0x0F},
		InitiatorSaeID: "sae-m",
		TargetSaeID:    "sae-s",
		PathToGo:       nil,
	}

	carry, err := e.HandleHop(context.Background(), "B", env)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0F, 0xF0}, carry)

	got, ok := pool.LookupActivated("first-key")
	require.True(t, ok)
	assert.Equal(t, "sae-m", got.MasterSaeID)
}

// fakePeerServer serves both the ETSI enc_keys shape and the ext_keys
// relay shape from a single peer, standing in for B in an A->B->C path:
// Initiate fetches Q0 from it, then posts the forwarded envelope to it and
// expects back whatever key material the (simulated) rest of the chain
// delivered.
func fakePeerServer(t *testing.T, q0ID string, q0 []byte, delivered string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/keys/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(etsiKeysResponse{Keys: []etsiKey{{
			KeyID: q0ID, Key: base64.StdEncoding.EncodeToString(q0),
		}}})
	})
	mux.HandleFunc("/api/v1/kmapi/v1/ext_keys", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(peerRelayResponse{KeyID: "first-key", Key: delivered})
	})
	return httptest.NewServer(mux)
}

func TestInitiate_MultiHopBubblesDeliveredMaterial(t *testing.T) {
	finalMaterial := []byte{0x01, 0x02}
	srv := fakePeerServer(t, "q0", []byte{0x11, 0x22}, base64.StdEncoding.EncodeToString(finalMaterial))
	defer srv.Close()

	pool := keypool.New(10)
	e := New("A", pool, map[string]Link{
		"B": NewLink("B", srv.URL, &http.Client{}),
	}, logger.NewNop())

	delivered, err := e.Initiate(context.Background(), "first-key", 16, "sae-m", "sae-s", "C", []string{"A", "B", "C"}, nil)
	require.NoError(t, err)
	assert.Equal(t, finalMaterial, delivered)

	got, ok := pool.LookupActivated("q0")
	require.True(t, ok)
	assert.Equal(t, "sae-m", got.MasterSaeID)
}

func TestHandleHop_UnknownPreviousHopIsRoutingError(t *testing.T) {
	e := New("C", keypool.New(10), map[string]Link{}, logger.NewNop())
	_, err := e.HandleHop(context.Background(), "ghost", domain.RelayEnvelope{})
	assert.Error(t, err)
}

// TestHandleHop_StripsSelfBeforeResolvingNextHop guards against resolving
// the next hop to this node's own id: env.PathToGo arrives with this
// node's own id at index 0 (the convention Initiate and every forward
// step construct), so B processing a hop with PathToGo=["B","C"] must
// forward to C, not loop back to itself.
func TestHandleHop_StripsSelfBeforeResolvingNextHop(t *testing.T) {
	qPrev := []byte{0x00, 0xFF}
	prevSrv := etsiServer(t, "qprev", qPrev)
	defer prevSrv.Close()

	var capturedPath []string
	nextSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/kmapi/v1/ext_keys" {
			var env domain.RelayEnvelope
			require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
			capturedPath = env.PathToGo
			json.NewEncoder(w).Encode(peerRelayResponse{KeyID: "first-key", Key: base64.StdEncoding.EncodeToString([]byte{0x99})})
			return
		}
		json.NewEncoder(w).Encode(etsiKeysResponse{Keys: []etsiKey{{
			KeyID: "qnext", Key: base64.StdEncoding.EncodeToString([]byte{0x11, 0x11}),
		}}})
	}))
	defer nextSrv.Close()

	pool := keypool.New(10)
	e := New("B", pool, map[string]Link{
		"A": NewLink("A", prevSrv.URL, &http.Client{}),
		"C": NewLink("C", nextSrv.URL, &http.Client{}),
	}, logger.NewNop())

	env := domain.RelayEnvelope{
		FirstKeyID:     "first-key",
		CurrentKeyID:   "qprev",
		XorMaterial:    []byte{0x0F, 0x0F},
		InitiatorSaeID: "sae-m",
		TargetSaeID:    "sae-s",
		PathToGo:       []string{"B", "C"},
	}

	_, err := e.HandleHop(context.Background(), "A", env)
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, capturedPath)
}

func TestVoid_StripsSelfBeforeForwarding(t *testing.T) {
	var capturedPath []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env domain.VoidEnvelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		capturedPath = env.PathToGo
	}))
	defer srv.Close()

	pool := keypool.New(10)
	pool.Insert(domain.Key{KeyID: "k1", Material: []byte{0x01}})
	_, err := pool.Activate("k1", "sae-m", "sae-s", 8)
	require.NoError(t, err)

	e := New("A", pool, map[string]Link{
		"B": NewLink("B", srv.URL, &http.Client{}),
	}, logger.NewNop())

	err = e.Void(context.Background(), domain.VoidEnvelope{
		KeyIDs:         []string{"k1"},
		InitiatorSaeID: "sae-s",
		TargetSaeID:    "sae-m",
		PathToGo:       []string{"A", "B"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, capturedPath)

	_, ok := pool.LookupActivated("k1")
	assert.False(t, ok, "void must deactivate the local key")
}

func TestVoid_TerminalNoForward(t *testing.T) {
	pool := keypool.New(10)
	pool.Insert(domain.Key{KeyID: "k1", Material: []byte{0x01}})
	_, err := pool.Activate("k1", "sae-m", "sae-s", 8)
	require.NoError(t, err)

	e := New("B", pool, nil, logger.NewNop())

	err = e.Void(context.Background(), domain.VoidEnvelope{
		KeyIDs:   []string{"k1"},
		PathToGo: []string{"B"},
	})
	require.NoError(t, err)

	_, ok := pool.LookupActivated("k1")
	assert.False(t, ok)
}
