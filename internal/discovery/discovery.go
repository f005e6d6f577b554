// Package discovery implements the bounded-flood trusted-node discovery
// protocol (spec §4.5). Every request carries the full visited set so the
// inherently cyclic overlay terminates: each hop only recurses into
// neighbors absent from the accumulator (spec §9).
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"kme/internal/domain"
	"kme/pkg/logger"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const callTimeout = 5 * time.Second

// Neighbor is a configured adjacent trusted node this KME can walk to.
type Neighbor struct {
	TnID string
	URL  string
}

// Self describes this node's own record fields, assembled from config.
type Self struct {
	TnID          string
	KmeIDs        []string
	SaeIDs        []string
	NeighborTnIDs []string
}

// walkRequest/walkResponse mirror the wire shape of POST
// /api/v1/discover/trusted_nodes (spec §6).
type walkRequest struct {
	WalkedNodes []domain.TrustedNodeRecord `json:"walked_nodes"`
	Distance    int                        `json:"distance"`
}

type walkResponse struct {
	WalkedNodes []domain.TrustedNodeRecord `json:"walked_nodes"`
}

// Engine walks the trusted-node overlay.
type Engine struct {
	self      Self
	neighbors []Neighbor
	client    *http.Client
	log       logger.Logger
}

// New builds an Engine. client should already carry the mTLS
// configuration needed to reach peer trusted nodes.
func New(self Self, neighbors []Neighbor, client *http.Client, log logger.Logger) *Engine {
	instrumented := &http.Client{
		Transport: otelhttp.NewTransport(client.Transport),
		Timeout:   client.Timeout,
	}
	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].TnID < neighbors[j].TnID })
	return &Engine{self: self, neighbors: neighbors, client: instrumented, log: log}
}

// Discover runs the bounded flood starting from this node at distance 0 and
// returns the deduplicated set of records (spec §4.5).
func (e *Engine) Discover(ctx context.Context) []domain.TrustedNodeRecord {
	return e.walk(ctx, nil, 0)
}

// HandleWalk answers an inbound walk request from a neighbor (the server
// side of the same protocol): it merges itself into the accumulator and
// recurses into neighbors not already visited.
func (e *Engine) HandleWalk(ctx context.Context, walked []domain.TrustedNodeRecord, distance int) []domain.TrustedNodeRecord {
	return e.walk(ctx, walked, distance)
}

func (e *Engine) walk(ctx context.Context, accumulator []domain.TrustedNodeRecord, distance int) []domain.TrustedNodeRecord {
	self := domain.TrustedNodeRecord{
		TnID:          e.self.TnID,
		KmeIDs:        e.self.KmeIDs,
		SaeIDs:        e.self.SaeIDs,
		NeighborTnIDs: e.self.NeighborTnIDs,
		Distance:      distance,
	}

	visited := merge(accumulator, self)

	for _, n := range e.neighbors {
		if containsTnID(visited, n.TnID) {
			continue
		}

		result, err := e.callNeighbor(ctx, n, visited, distance+1)
		if err != nil {
			e.log.Warn("discovery peer unreachable, skipping that branch", map[string]interface{}{
				"neighbor_tn_id": n.TnID,
				"error":          err.Error(),
			})
			continue // fail-closed for this branch, spec §4.5
		}
		for _, r := range result {
			visited = merge(visited, r)
		}
	}

	return visited
}

func (e *Engine) callNeighbor(ctx context.Context, n Neighbor, walked []domain.TrustedNodeRecord, distance int) ([]domain.TrustedNodeRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	body, err := json.Marshal(walkRequest{WalkedNodes: walked, Distance: distance})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL+"/api/v1/discover/trusted_nodes", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out walkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.WalkedNodes, nil
}

func merge(records []domain.TrustedNodeRecord, next domain.TrustedNodeRecord) []domain.TrustedNodeRecord {
	if containsTnID(records, next.TnID) {
		return records
	}
	return append(append([]domain.TrustedNodeRecord(nil), records...), next)
}

func containsTnID(records []domain.TrustedNodeRecord, tnID string) bool {
	for _, r := range records {
		if r.TnID == tnID {
			return true
		}
	}
	return false
}
