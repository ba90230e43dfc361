package market

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"dutchmarket/storage"
)

// Storage keys. Sale records live under an 8-byte big-endian id suffix so
// iteration order matches id order.
var (
	salePrefix   = []byte("market/sale/")
	saleCountKey = []byte("market/sale/count")
	schemaKey    = []byte("market/schema")
)

// schemaVersion is the current stored-record layout. The layout is append-only
// across versions: new fields are added at the tail of storedSale and tagged
// optional so records written by older versions still decode, with the
// appended fields reading as zero.
const schemaVersion uint64 = 2

// storedSale is the wire form of a Sale. RLP carries no signed integers, so
// timestamps are stored as uint64.
type storedSale struct {
	ID            uint64
	AssetContract [20]byte
	AssetID       uint64
	Seller        [20]byte
	InitialPrice  *big.Int
	FloorPrice    *big.Int
	CreatedAt     uint64
	Quantity      uint64
	Remaining     uint64
	Status        uint8
	// Appended in schema version 2.
	ClosedAt uint64 `rlp:"optional"`
}

// Manager persists sale records and the registry counters in the underlying
// key-value store. It implements the engines' state interface.
type Manager struct {
	db storage.Database
}

// NewManager opens a state manager over the supplied database and runs any
// pending schema migration.
func NewManager(db storage.Database) (*Manager, error) {
	if db == nil {
		return nil, fmt.Errorf("market: state database required")
	}
	m := &Manager{db: db}
	if err := m.migrate(); err != nil {
		return nil, err
	}
	return m, nil
}

// migrate brings the stored schema marker up to the current version. Version
// bumps so far only append optional fields, so no record rewrite is needed;
// a database written by a newer version is refused.
func (m *Manager) migrate() error {
	raw, err := m.db.Get(schemaKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return m.writeSchemaVersion(schemaVersion)
		}
		return err
	}
	var stored uint64
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return fmt.Errorf("market: decode schema version: %w", err)
	}
	if stored > schemaVersion {
		return fmt.Errorf("market: database schema %d is newer than supported %d", stored, schemaVersion)
	}
	if stored < schemaVersion {
		return m.writeSchemaVersion(schemaVersion)
	}
	return nil
}

func (m *Manager) writeSchemaVersion(v uint64) error {
	encoded, err := rlp.EncodeToBytes(v)
	if err != nil {
		return err
	}
	return m.db.Put(schemaKey, encoded)
}

// SchemaVersion reports the stored schema marker.
func (m *Manager) SchemaVersion() (uint64, error) {
	raw, err := m.db.Get(schemaKey)
	if err != nil {
		return 0, err
	}
	var stored uint64
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return 0, err
	}
	return stored, nil
}

func saleKey(id uint64) []byte {
	key := make([]byte, len(salePrefix)+8)
	copy(key, salePrefix)
	binary.BigEndian.PutUint64(key[len(salePrefix):], id)
	return key
}

// SalePut writes a sale record.
func (m *Manager) SalePut(sale *Sale) error {
	sanitized, err := SanitizeSale(sale)
	if err != nil {
		return err
	}
	record := storedSale{
		ID:            sanitized.ID,
		AssetContract: sanitized.AssetContract,
		AssetID:       sanitized.AssetID,
		Seller:        sanitized.Seller,
		InitialPrice:  sanitized.InitialPrice,
		FloorPrice:    sanitized.FloorPrice,
		CreatedAt:     uint64(sanitized.CreatedAt),
		Quantity:      sanitized.Quantity,
		Remaining:     sanitized.Remaining,
		Status:        uint8(sanitized.Status),
		ClosedAt:      uint64(sanitized.ClosedAt),
	}
	encoded, err := rlp.EncodeToBytes(record)
	if err != nil {
		return fmt.Errorf("market: encode sale %d: %w", sanitized.ID, err)
	}
	return m.db.Put(saleKey(sanitized.ID), encoded)
}

// SaleGet reads a sale record; the second return reports presence.
func (m *Manager) SaleGet(id uint64) (*Sale, bool, error) {
	raw, err := m.db.Get(saleKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var record storedSale
	if err := rlp.DecodeBytes(raw, &record); err != nil {
		return nil, false, fmt.Errorf("market: decode sale %d: %w", id, err)
	}
	sale := &Sale{
		ID:            record.ID,
		AssetContract: record.AssetContract,
		AssetID:       record.AssetID,
		Seller:        record.Seller,
		InitialPrice:  record.InitialPrice,
		FloorPrice:    record.FloorPrice,
		CreatedAt:     int64(record.CreatedAt),
		Quantity:      record.Quantity,
		Remaining:     record.Remaining,
		Status:        SaleStatus(record.Status),
		ClosedAt:      int64(record.ClosedAt),
	}
	return sale, true, nil
}

// SaleCount reports the number of sales ever created (and the next id).
func (m *Manager) SaleCount() (uint64, error) {
	raw, err := m.db.Get(saleCountKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var count uint64
	if err := rlp.DecodeBytes(raw, &count); err != nil {
		return 0, fmt.Errorf("market: decode sale count: %w", err)
	}
	return count, nil
}

// SaleSetCount writes the sale counter.
func (m *Manager) SaleSetCount(count uint64) error {
	encoded, err := rlp.EncodeToBytes(count)
	if err != nil {
		return err
	}
	return m.db.Put(saleCountKey, encoded)
}
