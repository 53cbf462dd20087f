// Package mempool manages pending transactions waiting for block inclusion.
package mempool

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Mempool errors.
var (
	ErrAlreadyExists     = errors.New("transaction already in mempool")
	ErrConflict          = errors.New("transaction conflicts with existing mempool entry")
	ErrPoolFull          = errors.New("mempool is full")
	ErrValidation        = errors.New("transaction failed validation")
	ErrFeeTooLow         = errors.New("transaction fee below minimum")
	ErrCoinbaseNotMature = errors.New("coinbase output not mature")
	ErrTooManyAncestors  = errors.New("transaction chain has too many unconfirmed ancestors")
	ErrReplacementLow    = errors.New("replacement transaction does not pay enough to evict conflicts")
)

// Default ancestor/descendant package limits, mirroring the conservative
// defaults full nodes use to bound the cost of template assembly and reorg
// replay. A single pool-wide override covers both directions since the
// mempool doesn't track descendants separately from ancestors-of-others.
const (
	DefaultMaxAncestors = 25
	DefaultMaxPackageKB = 101 // 101 KB, matching the classic ascendant-package cap
)

// EvictedHandler is called when a transaction leaves the pool without being
// confirmed — either bumped by a higher fee-rate entry or replaced via RBF.
type EvictedHandler func(t *tx.Transaction, reason string)

// entry wraps a transaction with its fee and ancestor-package metadata.
type entry struct {
	tx     *tx.Transaction
	txHash types.Hash
	fee    uint64
	vsize  int64

	parents  map[types.Hash]bool // txs in the pool this entry spends from
	children map[types.Hash]bool // txs in the pool that spend from this entry

	ancestorFee   uint64 // fee of this tx + all in-pool ancestors
	ancestorVSize int64  // vsize of this tx + all in-pool ancestors
}

// feeRate returns the entry's own fee rate (base units per vbyte).
func (e *entry) feeRate() float64 {
	if e.vsize == 0 {
		return 0
	}
	return float64(e.fee) / float64(e.vsize)
}

// ancestorFeeRate returns the package fee rate used for eviction and
// template-assembly ordering: total fee of the ancestor package divided by
// its total vsize. A child bundled with a low-paying parent inherits the
// parent's drag, same as a standalone low-fee transaction would.
func (e *entry) ancestorFeeRate() float64 {
	if e.ancestorVSize == 0 {
		return 0
	}
	return float64(e.ancestorFee) / float64(e.ancestorVSize)
}

// Pool holds unconfirmed transactions, tracking ancestor/descendant
// relationships so template assembly and eviction can reason about
// dependent chains of transactions rather than isolated entries.
type Pool struct {
	mu         sync.RWMutex
	txs        map[types.Hash]*entry         // txHash -> entry
	spends     map[types.Outpoint]types.Hash // outpoint -> txHash (conflict index)
	byAddress  map[types.Address]map[types.Hash]bool
	maxSize    int
	minFeeRate uint64 // Minimum fee rate in base units per vbyte (0 = no minimum).
	maxPkgVB   int64  // Max combined ancestor vsize per chain (0 = DefaultMaxPackageKB*1000).
	maxAncestors int  // Max in-pool ancestors per tx (0 = DefaultMaxAncestors).
	utxos      tx.UTXOProvider

	// Coinbase maturity checking.
	utxoSet          utxo.Set      // For maturity checks (nil = disabled).
	heightFn         func() uint64 // Current chain height.
	coinbaseMaturity uint64        // Required confirmations (0 = disabled).

	onEvicted EvictedHandler
}

// New creates a new mempool with the given UTXO provider and max size.
func New(utxos tx.UTXOProvider, maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = 5000
	}
	return &Pool{
		txs:       make(map[types.Hash]*entry),
		spends:    make(map[types.Outpoint]types.Hash),
		byAddress: make(map[types.Address]map[types.Hash]bool),
		maxSize:   maxSize,
		utxos:     utxos,
	}
}

// SetMinFeeRate sets the minimum fee rate (base units per vbyte) for transaction acceptance.
func (p *Pool) SetMinFeeRate(rate uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minFeeRate = rate
}

// MinFeeRate returns the current minimum fee rate (base units per vbyte).
func (p *Pool) MinFeeRate() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minFeeRate
}

// SetPackageLimits overrides the ancestor-count and ancestor-vsize caps.
// Zero values fall back to the package defaults.
func (p *Pool) SetPackageLimits(maxAncestors int, maxPackageVSize int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxAncestors = maxAncestors
	p.maxPkgVB = maxPackageVSize
}

// SetEvictedHandler registers a callback invoked whenever a transaction
// leaves the pool without being confirmed (fee-rate eviction or RBF).
func (p *Pool) SetEvictedHandler(fn EvictedHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEvicted = fn
}

// SetCoinbaseMaturity enables coinbase maturity checking.
func (p *Pool) SetCoinbaseMaturity(maturity uint64, heightFn func() uint64, set utxo.Set) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.coinbaseMaturity = maturity
	p.heightFn = heightFn
	p.utxoSet = set
}

func (p *Pool) ancestorLimit() int {
	if p.maxAncestors > 0 {
		return p.maxAncestors
	}
	return DefaultMaxAncestors
}

func (p *Pool) packageVSizeLimit() int64 {
	if p.maxPkgVB > 0 {
		return p.maxPkgVB
	}
	return DefaultMaxPackageKB * 1000
}

// Add validates and adds a transaction to the mempool.
// Returns the computed fee. Rejects duplicates; a conflicting transaction is
// either a rejection (no RBF signal) or a replacement (BIP125-style: the new
// transaction signals replaceability via a sub-maximal sequence number and
// pays strictly more than every transaction it would evict).
func (p *Pool) Add(transaction *tx.Transaction) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	txHash := transaction.Hash()

	if _, exists := p.txs[txHash]; exists {
		return 0, ErrAlreadyExists
	}

	fee, err := transaction.ValidateWithUTXOs(p.utxos)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if err := p.checkCoinbaseMaturity(transaction); err != nil {
		return 0, err
	}

	vsize := transaction.VSize()
	var feeRate float64
	if vsize > 0 {
		feeRate = float64(fee) / float64(vsize)
	}
	if p.minFeeRate > 0 {
		requiredFee := p.minFeeRate * uint64(vsize)
		if fee < requiredFee {
			return 0, fmt.Errorf("%w: got %d, need %d (%d vbytes × %d rate)", ErrFeeTooLow, fee, requiredFee, vsize, p.minFeeRate)
		}
	}

	// Identify in-pool transactions this one spends from (parents) and any
	// conflicting entries (transactions spending the same outpoints).
	parents := make(map[types.Hash]bool)
	conflicts := make(map[types.Hash]bool)
	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		if parent, ok := p.txs[in.PrevOut.TxID]; ok {
			parents[parent.txHash] = true
		}
		if conflictHash, exists := p.spends[in.PrevOut]; exists {
			conflicts[conflictHash] = true
		}
	}

	if len(conflicts) > 0 {
		replaced, err := p.evaluateReplacement(transaction, fee, feeRate, conflicts)
		if err != nil {
			return 0, err
		}
		for h := range replaced {
			p.removeLocked(h, "replaced-by-fee")
		}
	}

	// Ancestor package limits.
	ancestors := p.collectAncestors(parents)
	if len(ancestors) >= p.ancestorLimit() {
		return 0, fmt.Errorf("%w: %d ancestors, max %d", ErrTooManyAncestors, len(ancestors), p.ancestorLimit())
	}
	pkgVSize := vsize
	pkgFee := fee
	for h := range ancestors {
		a := p.txs[h]
		pkgVSize += a.vsize
		pkgFee += a.fee
	}
	if pkgVSize > p.packageVSizeLimit() {
		return 0, fmt.Errorf("%w: package vsize %d exceeds %d", ErrTooManyAncestors, pkgVSize, p.packageVSizeLimit())
	}

	// Capacity check — evict the entry with the lowest ancestor fee rate,
	// together with its in-pool descendants, if the incoming transaction
	// pays more.
	if len(p.txs) >= p.maxSize {
		lowestHash, lowestRate := p.findLowestAncestorFeeRate()
		if (pkgFee == 0 && pkgVSize == 0) || float64(pkgFee)/float64(pkgVSize) <= lowestRate {
			return 0, ErrPoolFull
		}
		evict := make(map[types.Hash]bool)
		p.collectDescendantsInto(lowestHash, evict)
		for h := range evict {
			p.removeLocked(h, "evicted-for-space")
		}
	}

	e := &entry{
		tx:            transaction,
		txHash:        txHash,
		fee:           fee,
		vsize:         vsize,
		parents:       parents,
		children:      make(map[types.Hash]bool),
		ancestorFee:   pkgFee,
		ancestorVSize: pkgVSize,
	}

	p.txs[txHash] = e
	for _, in := range transaction.Inputs {
		if !in.PrevOut.IsZero() {
			p.spends[in.PrevOut] = txHash
		}
	}
	for parentHash := range parents {
		if parent, ok := p.txs[parentHash]; ok {
			parent.children[txHash] = true
		}
	}
	for _, addr := range spendableAddresses(transaction) {
		if p.byAddress[addr] == nil {
			p.byAddress[addr] = make(map[types.Hash]bool)
		}
		p.byAddress[addr][txHash] = true
	}

	return fee, nil
}

// evaluateReplacement checks BIP125-style replace-by-fee rules: the
// incoming transaction must signal replaceability in at least one directly
// conflicting input (sequence below the max non-final value), and must pay
// a higher fee rate than every transaction (and its descendants) it would
// evict. Returns the full set of hashes to remove, including descendants of
// the directly conflicting entries.
func (p *Pool) evaluateReplacement(transaction *tx.Transaction, fee uint64, feeRate float64, directConflicts map[types.Hash]bool) (map[types.Hash]bool, error) {
	signalsReplaceable := false
	for _, in := range transaction.Inputs {
		if in.Sequence < 0xfffffffe {
			signalsReplaceable = true
			break
		}
	}
	if !signalsReplaceable {
		return nil, fmt.Errorf("%w: no replaceable input and conflicting outpoint already spent", ErrConflict)
	}

	toEvict := make(map[types.Hash]bool)
	for h := range directConflicts {
		p.collectDescendantsInto(h, toEvict)
	}

	var evictedFee uint64
	var evictedVSize int64
	for h := range toEvict {
		if e, ok := p.txs[h]; ok {
			evictedFee += e.fee
			evictedVSize += e.vsize
			if e.feeRate() >= feeRate {
				return nil, fmt.Errorf("%w: replacement rate %.4f <= evicted rate %.4f", ErrReplacementLow, feeRate, e.feeRate())
			}
		}
	}
	if fee <= evictedFee {
		return nil, fmt.Errorf("%w: replacement fee %d <= evicted total fee %d", ErrReplacementLow, fee, evictedFee)
	}

	return toEvict, nil
}

// collectDescendantsInto walks the child graph from txHash, adding every
// reachable descendant (and txHash itself) into out.
func (p *Pool) collectDescendantsInto(txHash types.Hash, out map[types.Hash]bool) {
	if out[txHash] {
		return
	}
	out[txHash] = true
	e, ok := p.txs[txHash]
	if !ok {
		return
	}
	for child := range e.children {
		p.collectDescendantsInto(child, out)
	}
}

// collectAncestors walks the parent graph transitively from the given
// direct parents, returning every in-pool ancestor hash.
func (p *Pool) collectAncestors(direct map[types.Hash]bool) map[types.Hash]bool {
	out := make(map[types.Hash]bool)
	var walk func(types.Hash)
	walk = func(h types.Hash) {
		if out[h] {
			return
		}
		out[h] = true
		if e, ok := p.txs[h]; ok {
			for parent := range e.parents {
				walk(parent)
			}
		}
	}
	for h := range direct {
		walk(h)
	}
	return out
}

func (p *Pool) checkCoinbaseMaturity(transaction *tx.Transaction) error {
	if p.coinbaseMaturity == 0 || p.utxoSet == nil {
		return nil
	}
	currentHeight := p.heightFn()
	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		u, uErr := p.utxoSet.Get(in.PrevOut)
		if uErr == nil && u.Coinbase && currentHeight-u.Height < p.coinbaseMaturity {
			return fmt.Errorf("%w: need %d confirmations, have %d",
				ErrCoinbaseNotMature, p.coinbaseMaturity, currentHeight-u.Height)
		}
	}
	return nil
}

// spendableAddresses returns the P2PKH/witness addresses an output pays to,
// for the address index.
func spendableAddresses(transaction *tx.Transaction) []types.Address {
	var addrs []types.Address
	for _, out := range transaction.Outputs {
		if !out.Script.Type.IsWitness() && out.Script.Type != types.ScriptTypeP2PKH {
			continue
		}
		var a types.Address
		copy(a[:], out.Script.Data)
		addrs = append(addrs, a)
	}
	return addrs
}

// Remove removes a transaction from the mempool by hash.
func (p *Pool) Remove(txHash types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(txHash, "removed")
}

func (p *Pool) removeLocked(txHash types.Hash, reason string) {
	e, exists := p.txs[txHash]
	if !exists {
		return
	}
	for _, in := range e.tx.Inputs {
		if !in.PrevOut.IsZero() {
			delete(p.spends, in.PrevOut)
		}
	}
	for parentHash := range e.parents {
		if parent, ok := p.txs[parentHash]; ok {
			delete(parent.children, txHash)
		}
	}
	for _, addr := range spendableAddresses(e.tx) {
		if set := p.byAddress[addr]; set != nil {
			delete(set, txHash)
			if len(set) == 0 {
				delete(p.byAddress, addr)
			}
		}
	}
	delete(p.txs, txHash)
	if p.onEvicted != nil && reason != "confirmed" {
		p.onEvicted(e.tx, reason)
	}
}

// RemoveConfirmed removes all transactions that were included in a block.
func (p *Pool) RemoveConfirmed(transactions []*tx.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range transactions {
		p.removeLocked(t.Hash(), "confirmed")
	}
}

// Has checks if a transaction exists in the mempool.
func (p *Pool) Has(txHash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.txs[txHash]
	return exists
}

// Get retrieves a transaction from the mempool.
func (p *Pool) Get(txHash types.Hash) *tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return nil
	}
	return e.tx
}

// GetFee returns the fee for a transaction in the mempool (0 if not found).
func (p *Pool) GetFee(txHash types.Hash) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return 0
	}
	return e.fee
}

// Count returns the number of transactions in the mempool.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// Hashes returns the hashes of all transactions in the mempool.
func (p *Pool) Hashes() []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	hashes := make([]types.Hash, 0, len(p.txs))
	for h := range p.txs {
		hashes = append(hashes, h)
	}
	return hashes
}

// ByAddress returns the hashes of mempool transactions with a spendable
// output paying the given address. Used by wallets watching for unconfirmed
// incoming payments.
func (p *Pool) ByAddress(addr types.Address) []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set := p.byAddress[addr]
	hashes := make([]types.Hash, 0, len(set))
	for h := range set {
		hashes = append(hashes, h)
	}
	return hashes
}

// findLowestAncestorFeeRate returns the hash and ancestor-package fee rate
// of the lowest-ranked entry currently in the pool. Must be called with
// p.mu held.
func (p *Pool) findLowestAncestorFeeRate() (types.Hash, float64) {
	var lowestHash types.Hash
	lowest := -1.0
	for h, e := range p.txs {
		r := e.ancestorFeeRate()
		if lowest < 0 || r < lowest {
			lowest = r
			lowestHash = h
		}
	}
	if lowest < 0 {
		lowest = 0
	}
	return lowestHash, lowest
}

// SelectForBlock returns transactions ordered by ancestor-package fee rate
// (highest first), up to the given limit. Callers building a block template
// should still verify parent-before-child ordering; this only orders by
// priority.
func (p *Pool) SelectForBlock(limit int) []*tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ancestorFeeRate() > entries[j].ancestorFeeRate()
	})

	if limit > len(entries) || limit <= 0 {
		limit = len(entries)
	}

	result := make([]*tx.Transaction, limit)
	for i := 0; i < limit; i++ {
		result[i] = entries[i].tx
	}
	return result
}
