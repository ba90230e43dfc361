package ledger

import (
	"errors"
	"math/big"
	"sync"
)

var (
	ErrInsufficientBalance   = errors.New("ledger: insufficient balance")
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
	ErrInsufficientAsset     = errors.New("ledger: insufficient asset quantity")
	ErrNotApproved           = errors.New("ledger: operator not approved")
	ErrInvalidAmount         = errors.New("ledger: amount must be non-negative")
	ErrInvalidSnapshot       = errors.New("ledger: invalid snapshot id")
)

type allowanceKey struct {
	token   [20]byte
	owner   [20]byte
	spender [20]byte
}

type assetKey struct {
	contract [20]byte
	id       uint64
	owner    [20]byte
}

type operatorKey struct {
	contract [20]byte
	owner    [20]byte
	operator [20]byte
}

// Ledger is the in-process custody collaborator: it holds native balances,
// token balances with allowances, and multi-quantity asset custody. Every
// mutation appends an undo record so a snapshot taken before a multi-step
// settlement can be rolled back as a unit. Snapshot and RevertToSnapshot are
// only meaningful while the caller serialises mutations, which the settlement
// engine and swap router both do.
type Ledger struct {
	gate       sync.Mutex
	mu         sync.Mutex
	native     map[[20]byte]*big.Int
	tokens     map[[20]byte]map[[20]byte]*big.Int
	allowances map[allowanceKey]*big.Int
	assets     map[assetKey]uint64
	operators  map[operatorKey]bool
	journal    []func()
}

func New() *Ledger {
	return &Ledger{
		native:     make(map[[20]byte]*big.Int),
		tokens:     make(map[[20]byte]map[[20]byte]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
		assets:     make(map[assetKey]uint64),
		operators:  make(map[operatorKey]bool),
	}
}

// Lock acquires the transaction gate. Engines bracket every multi-step
// operation with Lock/Unlock so mutations form a single global order and the
// undo journal stays coherent.
func (l *Ledger) Lock() { l.gate.Lock() }

// Unlock releases the transaction gate.
func (l *Ledger) Unlock() { l.gate.Unlock() }

// Snapshot returns an identifier for the current journal position.
func (l *Ledger) Snapshot() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.journal)
}

// RevertToSnapshot unwinds every mutation recorded after the snapshot was
// taken, most recent first.
func (l *Ledger) RevertToSnapshot(id int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id < 0 || id > len(l.journal) {
		return ErrInvalidSnapshot
	}
	for i := len(l.journal) - 1; i >= id; i-- {
		l.journal[i]()
	}
	l.journal = l.journal[:id]
	return nil
}

// DiscardSnapshots drops the undo log once a settlement has committed.
func (l *Ledger) DiscardSnapshots() {
	l.mu.Lock()
	l.journal = l.journal[:0]
	l.mu.Unlock()
}

func (l *Ledger) setNative(addr [20]byte, value *big.Int) {
	prev, existed := l.native[addr]
	l.journal = append(l.journal, func() {
		if existed {
			l.native[addr] = prev
		} else {
			delete(l.native, addr)
		}
	})
	l.native[addr] = value
}

func (l *Ledger) setToken(token, holder [20]byte, value *big.Int) {
	holders, ok := l.tokens[token]
	if !ok {
		holders = make(map[[20]byte]*big.Int)
		l.tokens[token] = holders
	}
	prev, existed := holders[holder]
	l.journal = append(l.journal, func() {
		if existed {
			holders[holder] = prev
		} else {
			delete(holders, holder)
		}
	})
	holders[holder] = value
}

func (l *Ledger) setAllowance(key allowanceKey, value *big.Int) {
	prev, existed := l.allowances[key]
	l.journal = append(l.journal, func() {
		if existed {
			l.allowances[key] = prev
		} else {
			delete(l.allowances, key)
		}
	})
	l.allowances[key] = value
}

func (l *Ledger) setAsset(key assetKey, value uint64) {
	prev, existed := l.assets[key]
	l.journal = append(l.journal, func() {
		if existed {
			l.assets[key] = prev
		} else {
			delete(l.assets, key)
		}
	})
	l.assets[key] = value
}

// --- Native currency ---

// MintNative credits freshly issued native currency to an address.
func (l *Ledger) MintNative(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setNative(addr, new(big.Int).Add(l.nativeBalance(addr), amount))
	return nil
}

// NativeBalance returns a copy of the native balance for an address.
func (l *Ledger) NativeBalance(addr [20]byte) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.nativeBalance(addr))
}

func (l *Ledger) nativeBalance(addr [20]byte) *big.Int {
	if bal, ok := l.native[addr]; ok {
		return bal
	}
	return big.NewInt(0)
}

// TransferNative moves native currency between two addresses.
func (l *Ledger) TransferNative(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fromBal := l.nativeBalance(from)
	if fromBal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	l.setNative(from, new(big.Int).Sub(fromBal, amount))
	l.setNative(to, new(big.Int).Add(l.nativeBalance(to), amount))
	return nil
}

// --- Tokens ---

// MintToken credits token units to a holder.
func (l *Ledger) MintToken(token, holder [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setToken(token, holder, new(big.Int).Add(l.tokenBalance(token, holder), amount))
	return nil
}

// TokenBalance returns a copy of the holder's balance for a token.
func (l *Ledger) TokenBalance(token, holder [20]byte) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.tokenBalance(token, holder))
}

func (l *Ledger) tokenBalance(token, holder [20]byte) *big.Int {
	if holders, ok := l.tokens[token]; ok {
		if bal, ok := holders[holder]; ok {
			return bal
		}
	}
	return big.NewInt(0)
}

// Approve grants a spender permission to pull up to amount of the owner's
// token balance. The grant replaces any prior allowance.
func (l *Ledger) Approve(token, owner, spender [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setAllowance(allowanceKey{token: token, owner: owner, spender: spender}, new(big.Int).Set(amount))
	return nil
}

// Allowance returns a copy of the remaining spend grant.
func (l *Ledger) Allowance(token, owner, spender [20]byte) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if grant, ok := l.allowances[allowanceKey{token: token, owner: owner, spender: spender}]; ok {
		return new(big.Int).Set(grant)
	}
	return big.NewInt(0)
}

// TransferTokenFrom moves token units out of the owner's balance on the
// authority of the spender's allowance, decrementing the grant.
func (l *Ledger) TransferTokenFrom(token, spender, owner, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := allowanceKey{token: token, owner: owner, spender: spender}
	grant, ok := l.allowances[key]
	if spender != owner {
		if !ok || grant.Cmp(amount) < 0 {
			return ErrInsufficientAllowance
		}
	}
	ownerBal := l.tokenBalance(token, owner)
	if ownerBal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	if spender != owner {
		l.setAllowance(key, new(big.Int).Sub(grant, amount))
	}
	l.setToken(token, owner, new(big.Int).Sub(ownerBal, amount))
	if owner != to {
		l.setToken(token, to, new(big.Int).Add(l.tokenBalance(token, to), amount))
	} else {
		l.setToken(token, owner, ownerBal)
	}
	return nil
}

// --- Asset custody ---

// MintAsset credits quantity of an asset to an owner.
func (l *Ledger) MintAsset(contract [20]byte, id uint64, owner [20]byte, quantity uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := assetKey{contract: contract, id: id, owner: owner}
	l.setAsset(key, l.assets[key]+quantity)
}

// AssetBalance reports the quantity of an asset held by an owner.
func (l *Ledger) AssetBalance(contract [20]byte, id uint64, owner [20]byte) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.assets[assetKey{contract: contract, id: id, owner: owner}]
}

// SetApprovalForAll lets an owner authorise an operator over every asset in a
// contract, mirroring the custody approval the market requires from sellers.
func (l *Ledger) SetApprovalForAll(contract, owner, operator [20]byte, approved bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := operatorKey{contract: contract, owner: owner, operator: operator}
	prev, existed := l.operators[key]
	l.journal = append(l.journal, func() {
		if existed {
			l.operators[key] = prev
		} else {
			delete(l.operators, key)
		}
	})
	l.operators[key] = approved
}

// IsApprovedForAll reports whether an operator may move the owner's assets.
func (l *Ledger) IsApprovedForAll(contract, owner, operator [20]byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.operators[operatorKey{contract: contract, owner: owner, operator: operator}]
}

// TransferAssetFrom moves quantity of an asset from one owner to another on
// the authority of an approved operator (or the owner themselves).
func (l *Ledger) TransferAssetFrom(contract [20]byte, id uint64, operator, from, to [20]byte, quantity uint64) error {
	if quantity == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if operator != from && !l.operators[operatorKey{contract: contract, owner: from, operator: operator}] {
		return ErrNotApproved
	}
	fromKey := assetKey{contract: contract, id: id, owner: from}
	held := l.assets[fromKey]
	if held < quantity {
		return ErrInsufficientAsset
	}
	l.setAsset(fromKey, held-quantity)
	if from != to {
		toKey := assetKey{contract: contract, id: id, owner: to}
		l.setAsset(toKey, l.assets[toKey]+quantity)
	} else {
		l.setAsset(fromKey, held)
	}
	return nil
}
