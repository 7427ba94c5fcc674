// Package blockstore keeps a node's set of known blocks and answers chain
// ancestry queries over them.
package blockstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/blockberries/streamberry/types"
)

// Errors
var (
	ErrMissingAncestor = errors.New("missing ancestor")
	ErrAncestryCycle   = errors.New("ancestry cycle")
	ErrInvalidGenesis  = errors.New("invalid genesis block")
	ErrEpochOrder      = errors.New("block epoch not greater than parent epoch")
	ErrUnknownBlock    = errors.New("unknown block")
)

// MissingAncestorError reports the first parent hash that could not be
// resolved. It matches ErrMissingAncestor with errors.Is.
type MissingAncestorError struct {
	Missing types.Hash
}

func (e *MissingAncestorError) Error() string {
	return fmt.Sprintf("%v: %s", ErrMissingAncestor, e.Missing.Short())
}

func (e *MissingAncestorError) Unwrap() error {
	return ErrMissingAncestor
}

// MissingHash extracts the unresolved hash from an ancestry error
func MissingHash(err error) (types.Hash, bool) {
	var mae *MissingAncestorError
	if errors.As(err, &mae) {
		return mae.Missing, true
	}
	return types.Hash{}, false
}

// Store holds every block a node has accepted. Blocks are only added once
// their parent is present, so every stored block links back to genesis.
type Store struct {
	mu sync.RWMutex

	genesis *types.Block
	blocks  map[types.Hash]*types.Block
	// Number of blocks from genesis, genesis = 1
	heights  map[types.Hash]int
	children map[types.Hash][]types.Hash
	byEpoch  map[uint64][]types.Hash
}

// New creates a store rooted at genesis
func New(genesis *types.Block) (*Store, error) {
	if genesis == nil || !genesis.IsGenesis() {
		return nil, ErrInvalidGenesis
	}
	if err := genesis.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGenesis, err)
	}
	g := types.CopyBlock(genesis)
	return &Store{
		genesis:  g,
		blocks:   map[types.Hash]*types.Block{g.Hash: g},
		heights:  map[types.Hash]int{g.Hash: 1},
		children: make(map[types.Hash][]types.Hash),
		byEpoch:  map[uint64][]types.Hash{0: {g.Hash}},
	}, nil
}

// Genesis returns the root block
func (s *Store) Genesis() *types.Block {
	return s.genesis
}

// Add stores a block whose parent is already known.
// Returns false if the block was already present. Fails with a
// MissingAncestorError when the parent is unknown.
func (s *Store) Add(b *types.Block) (bool, error) {
	if err := b.ValidateBasic(); err != nil {
		return false, err
	}
	if b.IsGenesis() {
		if b.Hash == s.genesis.Hash {
			return false, nil
		}
		return false, ErrInvalidGenesis
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blocks[b.Hash]; ok {
		return false, nil
	}
	parent, ok := s.blocks[b.Parent]
	if !ok {
		return false, &MissingAncestorError{Missing: b.Parent}
	}
	if b.Epoch <= parent.Epoch {
		return false, fmt.Errorf("%w: block %d, parent %d", ErrEpochOrder, b.Epoch, parent.Epoch)
	}

	stored := types.CopyBlock(b)
	s.blocks[stored.Hash] = stored
	s.heights[stored.Hash] = s.heights[parent.Hash] + 1
	s.children[parent.Hash] = append(s.children[parent.Hash], stored.Hash)
	s.byEpoch[stored.Epoch] = append(s.byEpoch[stored.Epoch], stored.Hash)
	return true, nil
}

// Get returns a block by hash, or nil
func (s *Store) Get(hash types.Hash) *types.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blocks[hash]
}

// Has reports whether the block is known
func (s *Store) Has(hash types.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocks[hash]
	return ok
}

// Height returns the chain length from genesis to hash (genesis = 1), or 0 if unknown
func (s *Store) Height(hash types.Hash) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.heights[hash]
}

// Children returns the known blocks directly extending hash, ordered by hash
func (s *Store) Children(hash types.Hash) []*types.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.children[hash])
}

// BlocksAtEpoch returns the known blocks of an epoch, ordered by hash
func (s *Store) BlocksAtEpoch(epoch uint64) []*types.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byEpoch[epoch])
}

// All returns every known block ordered by (epoch, hash)
func (s *Store) All() []*types.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Block, 0, len(s.blocks))
	for _, b := range s.blocks {
		out = append(out, b)
	}
	sortBlocks(out)
	return out
}

// Len returns the number of known blocks, including genesis
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}

// AncestorsOf walks parent links from b back to genesis and returns the
// chain ordered tip first, including b itself. b need not be stored.
//
// The walk is iterative and bounded by the number of known blocks, so a
// malformed parent pointer can never cause unbounded work.
func (s *Store) AncestorsOf(b *types.Block) ([]*types.Block, error) {
	if b == nil {
		return nil, ErrUnknownBlock
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := len(s.blocks) + 1
	chain := make([]*types.Block, 0, s.heights[b.Parent]+1)
	seen := make(map[types.Hash]struct{}, limit)

	cur := b
	for i := 0; i < limit; i++ {
		if _, dup := seen[cur.Hash]; dup {
			return nil, fmt.Errorf("%w at %s", ErrAncestryCycle, cur.Hash.Short())
		}
		seen[cur.Hash] = struct{}{}
		chain = append(chain, cur)

		if cur.IsGenesis() {
			if cur.Hash != s.genesis.Hash {
				return nil, ErrInvalidGenesis
			}
			return chain, nil
		}
		parent, ok := s.blocks[cur.Parent]
		if !ok {
			return nil, &MissingAncestorError{Missing: cur.Parent}
		}
		cur = parent
	}
	return nil, fmt.Errorf("%w: walk exceeded %d blocks", ErrAncestryCycle, limit)
}

// IsExtension reports whether candidateParent appears in the ancestry of b
func (s *Store) IsExtension(candidateParent types.Hash, b *types.Block) bool {
	chain, err := s.AncestorsOf(b)
	if err != nil {
		return false
	}
	for _, a := range chain {
		if a.Hash == candidateParent {
			return true
		}
	}
	return false
}

// Chain returns the chain from genesis to hash, genesis first
func (s *Store) Chain(hash types.Hash) ([]*types.Block, error) {
	b := s.Get(hash)
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, hash.Short())
	}
	chain, err := s.AncestorsOf(b)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func (s *Store) collect(hashes []types.Hash) []*types.Block {
	if len(hashes) == 0 {
		return nil
	}
	out := make([]*types.Block, 0, len(hashes))
	for _, h := range hashes {
		out = append(out, s.blocks[h])
	}
	sortBlocks(out)
	return out
}

func sortBlocks(blocks []*types.Block) {
	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].Epoch != blocks[j].Epoch {
			return blocks[i].Epoch < blocks[j].Epoch
		}
		return blocks[i].Hash.Compare(blocks[j].Hash) < 0
	})
}
