// Package poolsync drives pool generation on the master and applies bus
// mutations on the slave (spec §4.4). It is the one long-lived task the
// server runs outside the request/response cycle (spec §5).
package poolsync

import (
	"context"
	"encoding/json"
	"time"

	"kme/internal/broker"
	"kme/internal/domain"
	"kme/internal/keypool"
	"kme/internal/randgen"
	"kme/pkg/logger"

	"github.com/google/uuid"
)

const slaveAbsentBackoff = 10 * time.Second

// newKeyPayload, activatedKeyPayload and deactivatedKeyPayload are the bus
// wire shapes for each message type (spec §6).
type newKeyPayload struct {
	KeyID    string `json:"key_ID"`
	Material []byte `json:"material"`
}

type activatedKeyPayload struct {
	KeyID          string `json:"key_ID"`
	MasterSaeID    string `json:"master_sae_id"`
	SlaveSaeID     string `json:"slave_sae_id"`
	SizeBits       int    `json:"size_bits"`
	MaterialPrefix []byte `json:"material_prefix"`
}

type deactivatedKeyPayload struct {
	KeyID string `json:"key_ID"`
}

// Synchronizer runs the master generation loop or the slave bus-apply loop.
type Synchronizer struct {
	pool        *keypool.Pool
	bus         *broker.Client
	gen         *randgen.Generator
	log         logger.Logger
	isMaster    bool
	maxKeySize  int
	genTimeout  time.Duration
	stop        chan struct{}
}

// New builds a Synchronizer. maxKeySize is the bit length generated keys
// carry; genTimeout is the master's sleep when the pool is full.
func New(pool *keypool.Pool, bus *broker.Client, isMaster bool, maxKeySize int, genTimeout time.Duration, log logger.Logger) *Synchronizer {
	return &Synchronizer{
		pool:       pool,
		bus:        bus,
		gen:        randgen.New(),
		log:        log,
		isMaster:   isMaster,
		maxKeySize: maxKeySize,
		genTimeout: genTimeout,
		stop:       make(chan struct{}),
	}
}

// Run blocks, either generating (master) or applying bus mutations (slave),
// until ctx is canceled or Stop is called.
func (s *Synchronizer) Run(ctx context.Context) {
	if s.isMaster {
		s.runMaster(ctx)
		return
	}
	s.runSlave(ctx)
}

// Stop signals the loop to exit at its next sleep boundary (spec §5).
func (s *Synchronizer) Stop() {
	close(s.stop)
}

func (s *Synchronizer) runMaster(ctx context.Context) {
	s.log.Info("pool synchronizer started", map[string]interface{}{"role": "master"})
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}

		if s.pool.AtCapacity() {
			s.sleep(ctx, s.genTimeout)
			continue
		}

		hasConsumers, err := s.bus.HasConsumers(ctx)
		if err != nil {
			s.log.Warn("consumer presence probe failed", map[string]interface{}{"error": err.Error()})
			s.sleep(ctx, slaveAbsentBackoff)
			continue
		}
		if !hasConsumers {
			s.sleep(ctx, slaveAbsentBackoff)
			continue
		}

		material, err := s.gen.Generate(s.maxKeySize)
		if err != nil {
			s.log.Error("key generation failed", map[string]interface{}{"error": err.Error()})
			s.sleep(ctx, s.genTimeout)
			continue
		}

		keyID := uuid.NewString()
		s.pool.Insert(domain.Key{KeyID: keyID, Material: material})

		if err := s.bus.Publish(ctx, broker.MessageNewKey, newKeyPayload{KeyID: keyID, Material: material}); err != nil {
			s.log.Error("publishing new_key failed", map[string]interface{}{"key_id": keyID, "error": err.Error()})
		}
	}
}

// PublishActivated is called by the gateway after a local activation on the
// master so the master announces it on the bus (spec §4.4). Activations
// made by the relay engine are not published.
func (s *Synchronizer) PublishActivated(ctx context.Context, a domain.ActivatedKey) error {
	return s.bus.Publish(ctx, broker.MessageActivatedKey, activatedKeyPayload{
		KeyID:          a.KeyID,
		MasterSaeID:    a.MasterSaeID,
		SlaveSaeID:     a.SlaveSaeID,
		SizeBits:       a.SizeBits,
		MaterialPrefix: a.MaterialPrefix,
	})
}

// PublishDeactivated announces a deactivation on the bus. The gateway's and
// relay's deactivation paths do not call it, so their deactivations are not
// published.
func (s *Synchronizer) PublishDeactivated(ctx context.Context, keyID string) error {
	return s.bus.Publish(ctx, broker.MessageDeactivatedKey, deactivatedKeyPayload{KeyID: keyID})
}

func (s *Synchronizer) runSlave(ctx context.Context) {
	s.log.Info("pool synchronizer started", map[string]interface{}{"role": "slave"})
	_ = s.bus.OnMessage(ctx, s.applyMessage)
}

func (s *Synchronizer) applyMessage(ctx context.Context, msg broker.Message) error {
	switch msg.Type {
	case broker.MessageNewKey:
		var p newKeyPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return err
		}
		s.pool.Insert(domain.Key{KeyID: p.KeyID, Material: p.Material})
		return nil

	case broker.MessageActivatedKey:
		var p activatedKeyPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return err
		}
		s.pool.AdoptActivated(domain.ActivatedKey{
			KeyID:          p.KeyID,
			MasterSaeID:    p.MasterSaeID,
			SlaveSaeID:     p.SlaveSaeID,
			SizeBits:       p.SizeBits,
			MaterialPrefix: p.MaterialPrefix,
		})
		return nil

	case broker.MessageDeactivatedKey:
		var p deactivatedKeyPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return err
		}
		_, err := s.pool.Deactivate(p.KeyID)
		if err != nil {
			// Already absent from both pool and ledger: redelivery of a
			// mutation already applied is expected (spec §5), not an error
			// the bus should retry.
			return nil
		}
		return nil

	default:
		return nil
	}
}

func (s *Synchronizer) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-s.stop:
	case <-time.After(d):
	}
}
