package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vitwit/cryptopay/audit"
	"github.com/vitwit/cryptopay/types"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	intents map[string]*types.PaymentIntent
	refs    map[string]string // network/reference -> intent id
	ledger  []types.LedgerEntry
	now     func() time.Time
}

var _ IntentStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents: make(map[string]*types.PaymentIntent),
		refs:    make(map[string]string),
		now:     time.Now,
	}
}

func refKey(network types.Network, ref string) string {
	return string(network) + "/" + ref
}

func (m *MemoryStore) Create(_ context.Context, intent *types.PaymentIntent) error {
	if intent.ID == "" {
		return types.NewError(types.ErrInvalidRequest, "intent id required")
	}
	if intent.Status.IsTerminal() {
		return types.NewError(types.ErrInvalidTransition, "intents cannot be created in a terminal status")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.intents[intent.ID]; ok {
		return types.NewError(types.ErrInvalidRequest, fmt.Sprintf("intent %s already exists", intent.ID))
	}
	if ref := intent.Reference(); ref != "" {
		if _, taken := m.refs[refKey(intent.Network, ref)]; taken {
			return types.ErrReferenceUsed
		}
		m.refs[refKey(intent.Network, ref)] = intent.ID
	}
	m.intents[intent.ID] = intent.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*types.PaymentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.intents[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) collect(keep func(*types.PaymentIntent) bool) []*types.PaymentIntent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.PaymentIntent
	for _, p := range m.intents {
		if keep(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *MemoryStore) FindPending(_ context.Context, network types.Network, asset string) ([]*types.PaymentIntent, error) {
	return m.collect(func(p *types.PaymentIntent) bool {
		return p.Network == network && p.CryptoCurrency == asset && isAwaiting(p)
	}), nil
}

func (m *MemoryStore) FindByReference(_ context.Context, network types.Network, reference string) (*types.PaymentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.refs[refKey(network, reference)]
	if !ok {
		return nil, types.ErrNotFound
	}
	return m.intents[id].Clone(), nil
}

func (m *MemoryStore) FindRetryable(context.Context) ([]*types.PaymentIntent, error) {
	return m.collect(func(p *types.PaymentIntent) bool {
		return p.Status == types.StatusPending && p.TxReference != nil
	}), nil
}

func (m *MemoryStore) FindStale(_ context.Context, cutoff time.Time) ([]*types.PaymentIntent, error) {
	return m.collect(func(p *types.PaymentIntent) bool {
		return !p.Status.IsTerminal() && p.CreatedAt.Before(cutoff)
	}), nil
}

// bindLocked attaches reference to p, enforcing one intent per reference.
func (m *MemoryStore) bindLocked(p *types.PaymentIntent, reference *string) error {
	if reference == nil || sameRef(p.TxReference, reference) {
		return nil
	}
	if p.TxReference != nil {
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("intent %s is already bound to %s", p.ID, *p.TxReference))
	}
	key := refKey(p.Network, *reference)
	if owner, taken := m.refs[key]; taken && owner != p.ID {
		return types.ErrReferenceUsed
	}
	m.refs[key] = p.ID
	ref := *reference
	p.TxReference = &ref
	return nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status types.IntentStatus, reference *string) error {
	if status.IsTerminal() {
		return types.NewError(types.ErrInvalidTransition, "terminal statuses are written with the audit entry")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.intents[id]
	if !ok {
		return types.ErrNotFound
	}
	if err := p.Status.CheckTransition(status); err != nil {
		return err
	}
	if err := m.bindLocked(p, reference); err != nil {
		return err
	}
	p.Status = status
	p.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) MostRecentAuditHash(context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.ledger) == 0 {
		return "", nil
	}
	return m.ledger[len(m.ledger)-1].Hash, nil
}

func (m *MemoryStore) AppendAuditHash(_ context.Context, entry types.LedgerEntry) error {
	if !entry.Status.IsTerminal() {
		return types.NewError(types.ErrInvalidTransition, "only terminal statuses are committed")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	head := audit.GenesisHash
	if len(m.ledger) > 0 {
		head = m.ledger[len(m.ledger)-1].Hash
	}
	if entry.PrevHash != head {
		return types.ErrFinalizationConflict
	}

	p, ok := m.intents[entry.IntentID]
	if !ok {
		return types.ErrNotFound
	}
	if err := p.Status.CheckTransition(entry.Status); err != nil {
		return err
	}
	if err := m.bindLocked(p, entry.TxReference); err != nil {
		return err
	}

	hash := entry.Hash
	p.Status = entry.Status
	p.AuditHash = &hash
	p.UpdatedAt = entry.CommittedAt

	entry.Sequence = int64(len(m.ledger) + 1)
	m.ledger = append(m.ledger, entry)
	return nil
}

func (m *MemoryStore) Entries(context.Context) ([]types.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.LedgerEntry(nil), m.ledger...), nil
}

func (m *MemoryStore) Close() {}
