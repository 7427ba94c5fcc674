// Package mempool holds transactions waiting to be included in a block.
//
// Transactions are opaque strings. A block payload is the CBOR encoding of a
// list of transactions; consensus itself never decodes it.
package mempool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/blockberries/streamberry/types"
)

// Errors
var (
	ErrInvalidPayload = errors.New("invalid payload")
)

// Config holds mempool limits
type Config struct {
	// MaxTxs bounds the number of unconfirmed transactions held
	MaxTxs int
	// MaxTxsPerBlock bounds the number of transactions in one payload
	MaxTxsPerBlock int
}

// DefaultConfig returns default mempool limits
func DefaultConfig() Config {
	return Config{
		MaxTxs:         10000,
		MaxTxsPerBlock: 100,
	}
}

// Mempool tracks unconfirmed transactions in arrival order
type Mempool struct {
	mu     sync.Mutex
	config Config
	logger zerolog.Logger

	pending map[string]struct{}
	// Arrival order; entries removed from pending are skipped lazily
	order []string

	committed map[string]struct{}
}

// New creates an empty mempool
func New(config Config, logger zerolog.Logger) *Mempool {
	return &Mempool{
		config:    config,
		logger:    logger.With().Str("component", "mempool").Logger(),
		pending:   make(map[string]struct{}),
		committed: make(map[string]struct{}),
	}
}

// AddTx adds a transaction. Returns false if it is already known, already
// finalized, or the mempool is full.
func (m *Mempool) AddTx(tx string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx == "" {
		return false
	}
	if _, ok := m.pending[tx]; ok {
		return false
	}
	if _, ok := m.committed[tx]; ok {
		return false
	}
	if m.config.MaxTxs > 0 && len(m.pending) >= m.config.MaxTxs {
		m.logger.Warn().Int("size", len(m.pending)).Msg("Mempool full, dropping tx")
		return false
	}
	m.pending[tx] = struct{}{}
	m.order = append(m.order, tx)
	return true
}

// Payload builds a block payload from unconfirmed transactions not already
// included in chain (the ancestry of the block being proposed).
func (m *Mempool) Payload(epoch uint64, chain []*types.Block) []byte {
	included := make(map[string]struct{})
	for _, b := range chain {
		txs, err := DecodePayload(b.Payload)
		if err != nil {
			continue
		}
		for _, tx := range txs {
			included[tx] = struct{}{}
		}
	}

	m.mu.Lock()
	m.compact()
	var txs []string
	for _, tx := range m.order {
		if m.config.MaxTxsPerBlock > 0 && len(txs) >= m.config.MaxTxsPerBlock {
			break
		}
		if _, ok := included[tx]; ok {
			continue
		}
		txs = append(txs, tx)
	}
	m.mu.Unlock()

	if len(txs) == 0 {
		return nil
	}
	payload, err := EncodePayload(txs)
	if err != nil {
		m.logger.Error().Err(err).Uint64("epoch", epoch).Msg("Failed to encode payload")
		return nil
	}
	return payload
}

// OnFinalized removes transactions included in newly final blocks
func (m *Mempool) OnFinalized(blocks []*types.Block) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, b := range blocks {
		txs, err := DecodePayload(b.Payload)
		if err != nil {
			m.logger.Warn().Err(err).Str("block", b.Hash.Short()).Msg("Finalized block with undecodable payload")
			continue
		}
		for _, tx := range txs {
			m.committed[tx] = struct{}{}
			if _, ok := m.pending[tx]; ok {
				delete(m.pending, tx)
				removed++
			}
		}
	}
	if removed > 0 {
		m.logger.Debug().Int("removed", removed).Int("pending", len(m.pending)).Msg("Removed finalized txs")
	}
}

// Size returns the number of unconfirmed transactions
func (m *Mempool) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Txs returns the unconfirmed transactions in arrival order
func (m *Mempool) Txs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compact()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// IsCommitted reports whether tx was included in a finalized block
func (m *Mempool) IsCommitted(tx string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.committed[tx]
	return ok
}

// compact drops order entries no longer pending.
// Caller must hold m.mu.
func (m *Mempool) compact() {
	if len(m.order) == len(m.pending) {
		return
	}
	kept := m.order[:0]
	for _, tx := range m.order {
		if _, ok := m.pending[tx]; ok {
			kept = append(kept, tx)
		}
	}
	m.order = kept
}

// EncodePayload encodes transactions as a block payload
func EncodePayload(txs []string) ([]byte, error) {
	return types.Marshal(txs)
}

// DecodePayload decodes a block payload. An empty payload has no transactions.
func DecodePayload(payload []byte) ([]string, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var txs []string
	if err := types.Unmarshal(payload, &txs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return txs, nil
}
