// Package domain holds the core KME data model (spec §3): keys, activated
// keys, trusted-node records, and relay envelopes.
package domain

import "time"

// Key is an unactivated pool entry. Material is stored at the pool's
// configured maximum size; callers requesting a smaller size take a
// contiguous prefix.
type Key struct {
	KeyID     string    `json:"key_ID"`
	Material  []byte    `json:"-"`
	CreatedAt time.Time `json:"-"`
}

// ActivatedKey is a key handed to a requester, keyed by the SAE pair that
// owns it.
type ActivatedKey struct {
	KeyID         string `json:"key_ID"`
	MasterSaeID   string `json:"master_sae_id"`
	SlaveSaeID    string `json:"slave_sae_id"`
	SizeBits      int    `json:"size_bits"`
	MaterialPrefix []byte `json:"-"`
}

// TrustedNodeRecord describes one node discovered by the bounded flood.
type TrustedNodeRecord struct {
	TnID          string   `json:"tn_id"`
	KmeIDs        []string `json:"kme_ids"`
	SaeIDs        []string `json:"sae_ids"`
	NeighborTnIDs []string `json:"neighbor_tn_ids"`
	Distance      int      `json:"distance"`
}

// RelayEnvelope is the wire shape carried hop-by-hop by the relay state
// machine (spec §3, §4.7).
type RelayEnvelope struct {
	FirstKeyID        string              `json:"first_key_id"`
	CurrentKeyID      string              `json:"current_key_id"`
	XorMaterial       []byte              `json:"xor_material,omitempty"`
	InitiatorTnID     string              `json:"initiator_tn_id"`
	InitiatorSaeID    string              `json:"initiator_sae_id"`
	TargetTnID        string              `json:"target_tn_id"`
	TargetSaeID       string              `json:"target_sae_id"`
	PathToGo          []string            `json:"path_to_go"`
	DiscoveredNetwork []TrustedNodeRecord `json:"discovered_network"`
}

// VoidEnvelope walks the decryption path, deactivating a key at each hop.
type VoidEnvelope struct {
	KeyIDs            []string            `json:"key_ids"`
	InitiatorSaeID    string              `json:"initiator_sae_id"`
	TargetSaeID       string              `json:"target_sae_id"`
	PathToGo          []string            `json:"path_to_go"`
	DiscoveredNetwork []TrustedNodeRecord `json:"discovered_network"`
}

// SAEIdentity, KMEIdentity and TrustedNodeIdentity mirror the identity side
// of config's AttachedSAE, AttachedKME and AttachedTrustedNode, kept here
// so identity/policy doesn't need to import pkg/config.
type SAEIdentity struct {
	SaeID string
	CN    string
}

type KMEIdentity struct {
	KmeID string
	CN    string
}

type TrustedNodeIdentity struct {
	TnID string
	CN   string
}
