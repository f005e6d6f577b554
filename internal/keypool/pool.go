// Package keypool holds the synchronized, unactivated key pool and the
// activated-key ledger (spec §4.2). Per the actor guidance in spec §9, a
// single mutex owns both maps; bus handlers, the generator loop, and
// request handlers all serialize through it instead of coordinating
// through shared memory directly.
package keypool

import (
	"sync"
	"time"

	"kme/internal/domain"
	"kme/pkg/errors"
)

// Pool is the single owner of a KME's unactivated pool and activated
// ledger. All methods are safe for concurrent use.
type Pool struct {
	mu sync.Mutex

	maxKeyCount int

	order []string               // FIFO order of unactivated key ids
	byID  map[string]domain.Key  // unactivated, by key_id

	activated map[string]domain.ActivatedKey // activated, by key_id
}

// New builds an empty pool bounded by maxKeyCount (spec §4.2, §5).
func New(maxKeyCount int) *Pool {
	return &Pool{
		maxKeyCount: maxKeyCount,
		byID:        make(map[string]domain.Key),
		activated:   make(map[string]domain.ActivatedKey),
	}
}

// Insert appends a key unless its id is already present, in the pool or the
// activated ledger. Idempotent under bus replay (spec §4.2, §5).
func (p *Pool) Insert(key domain.Key) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byID[key.KeyID]; ok {
		return
	}
	if _, ok := p.activated[key.KeyID]; ok {
		return
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	p.byID[key.KeyID] = key
	p.order = append(p.order, key.KeyID)
}

// TakeOne removes and returns one key in FIFO order. ok is false when the
// pool is empty.
func (p *Pool) TakeOne() (domain.Key, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.order) > 0 {
		id := p.order[0]
		p.order = p.order[1:]
		k, ok := p.byID[id]
		if !ok {
			continue // already consumed by Activate; skip stale FIFO entry
		}
		delete(p.byID, id)
		return k, true
	}
	return domain.Key{}, false
}

// Count returns the size of the unactivated pool.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}

// AtCapacity reports whether the pool has reached maxKeyCount (spec §4.4's
// master generation loop backpressure).
func (p *Pool) AtCapacity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID) >= p.maxKeyCount
}

// Activate removes a key from the pool and appends an activated entry
// carrying a sizeBits-bit prefix of its material. Fails with NotFound if
// the key is absent.
func (p *Pool) Activate(keyID, masterSaeID, slaveSaeID string, sizeBits int) (domain.ActivatedKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key, ok := p.byID[keyID]
	if !ok {
		return domain.ActivatedKey{}, errors.Wrap(errors.KindNotFound, "key not found in pool", errors.ErrKeyNotFound)
	}
	if sizeBits <= 0 || sizeBits%8 != 0 || sizeBits/8 > len(key.Material) {
		return domain.ActivatedKey{}, errors.Wrap(errors.KindAdmission, "requested size outside configured bounds", errors.ErrSizeOutOfRange)
	}

	delete(p.byID, keyID)
	p.removeFromOrder(keyID)

	activated := domain.ActivatedKey{
		KeyID:          keyID,
		MasterSaeID:    masterSaeID,
		SlaveSaeID:     slaveSaeID,
		SizeBits:       sizeBits,
		MaterialPrefix: append([]byte(nil), key.Material[:sizeBits/8]...),
	}
	p.activated[keyID] = activated
	return activated, nil
}

// AdoptActivated inserts an already-activated key into the ledger and
// removes that key from the unactivated pool if present (spec §4.2): used
// by the slave KME when it learns the master has activated a key it never
// itself removed from the pool.
func (p *Pool) AdoptActivated(activated domain.ActivatedKey) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.activated[activated.KeyID] = activated
	delete(p.byID, activated.KeyID)
	p.removeFromOrder(activated.KeyID)
}

// LookupActivated returns the activated metadata for keyID, if any.
func (p *Pool) LookupActivated(keyID string) (domain.ActivatedKey, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.activated[keyID]
	return a, ok
}

// Deactivate removes a key from the activated ledger (and, defensively,
// the pool). Fails with NotFound if absent from both.
func (p *Pool) Deactivate(keyID string) (domain.ActivatedKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.activated[keyID]
	if ok {
		delete(p.activated, keyID)
	}
	if _, poolOK := p.byID[keyID]; poolOK {
		delete(p.byID, keyID)
		p.removeFromOrder(keyID)
	}
	if !ok {
		return domain.ActivatedKey{}, errors.Wrap(errors.KindNotFound, "key not found in activated ledger", errors.ErrKeyNotFound)
	}
	return a, nil
}

func (p *Pool) removeFromOrder(keyID string) {
	for i, id := range p.order {
		if id == keyID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}
