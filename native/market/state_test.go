package market

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"

	"dutchmarket/storage"
)

func TestSaleRoundTrip(t *testing.T) {
	manager, err := NewManager(storage.NewMemDB())
	require.NoError(t, err)

	sale := &Sale{
		ID:            3,
		AssetContract: testAddr(0xC1),
		AssetID:       7,
		Seller:        testAddr(0x01),
		InitialPrice:  big.NewInt(4500),
		FloorPrice:    big.NewInt(4000),
		CreatedAt:     1_700_000_000,
		Quantity:      500,
		Remaining:     499,
		Status:        SaleClosed,
		ClosedAt:      1_700_000_100,
	}
	require.NoError(t, manager.SalePut(sale))

	loaded, ok, err := manager.SaleGet(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, sale, loaded)

	_, ok, err = manager.SaleGet(4)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSalePutRejectsInvalidRecords(t *testing.T) {
	manager, err := NewManager(storage.NewMemDB())
	require.NoError(t, err)

	err = manager.SalePut(&Sale{InitialPrice: big.NewInt(1), FloorPrice: big.NewInt(2), Quantity: 1, Remaining: 1})
	require.ErrorIs(t, err, ErrInvalidPriceRange)
}

func TestSaleCountRoundTrip(t *testing.T) {
	manager, err := NewManager(storage.NewMemDB())
	require.NoError(t, err)

	count, err := manager.SaleCount()
	require.NoError(t, err)
	require.Equal(t, uint64(0), count)

	require.NoError(t, manager.SaleSetCount(12))
	count, err = manager.SaleCount()
	require.NoError(t, err)
	require.Equal(t, uint64(12), count)
}

// saleRecordV1 is the stored layout before ClosedAt was appended.
type saleRecordV1 struct {
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
}

func TestSaleGetDecodesVersionOneRecords(t *testing.T) {
	db := storage.NewMemDB()
	legacy := saleRecordV1{
		ID:            0,
		AssetContract: testAddr(0xC1),
		AssetID:       7,
		Seller:        testAddr(0x01),
		InitialPrice:  big.NewInt(4500),
		FloorPrice:    big.NewInt(4000),
		CreatedAt:     1_700_000_000,
		Quantity:      1,
		Remaining:     1,
		Status:        uint8(SaleOpen),
	}
	encoded, err := rlp.EncodeToBytes(legacy)
	require.NoError(t, err)
	require.NoError(t, db.Put(saleKey(0), encoded))

	manager, err := NewManager(db)
	require.NoError(t, err)

	loaded, ok, err := manager.SaleGet(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1_700_000_000), loaded.CreatedAt)
	require.Equal(t, SaleOpen, loaded.Status)
	// The appended field reads as its zero value for old records.
	require.Equal(t, int64(0), loaded.ClosedAt)
}

func TestMigrateStampsAndChecksSchema(t *testing.T) {
	db := storage.NewMemDB()
	manager, err := NewManager(db)
	require.NoError(t, err)

	version, err := manager.SchemaVersion()
	require.NoError(t, err)
	require.Equal(t, schemaVersion, version)

	// Reopening an up-to-date database is a no-op.
	_, err = NewManager(db)
	require.NoError(t, err)

	// A database written by a newer version is refused.
	encoded, err := rlp.EncodeToBytes(schemaVersion + 1)
	require.NoError(t, err)
	require.NoError(t, db.Put(schemaKey, encoded))
	_, err = NewManager(db)
	require.Error(t, err)
}

func TestMigrateUpgradesOlderSchema(t *testing.T) {
	db := storage.NewMemDB()
	encoded, err := rlp.EncodeToBytes(uint64(1))
	require.NoError(t, err)
	require.NoError(t, db.Put(schemaKey, encoded))

	manager, err := NewManager(db)
	require.NoError(t, err)
	version, err := manager.SchemaVersion()
	require.NoError(t, err)
	require.Equal(t, schemaVersion, version)
}
