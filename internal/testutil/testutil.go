package testutil

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bluesky-social/bailiff/models"
	"github.com/bluesky-social/bailiff/util/cliutil"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// TestDB opens a fresh sqlite database in the test's temp dir, with the
// index and moderation tables migrated.
func TestDB(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := cliutil.SetupDatabase("sqlite://"+filepath.Join(t.TempDir(), "bailiff.sqlite"), 1)
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrateIndex(db))
	require.NoError(t, models.AutoMigrateModeration(db))

	t.Cleanup(func() {
		if sqldb, err := db.DB(); err == nil {
			sqldb.Close()
		}
	})
	return db
}

// CIDFor returns the CIDv1 (dag-cbor, sha2-256) string for data.
func CIDFor(data []byte) string {
	c, err := cid.NewPrefixV1(cid.DagCBOR, multihash.SHA2_256).Sum(data)
	if err != nil {
		panic(err)
	}
	return c.String()
}

func RandomCID() string {
	return CIDFor([]byte(gofakeit.Sentence(8)))
}

func RandomDID() string {
	return "did:plc:" + strings.ToLower(gofakeit.Lexify("????????????????????????"))
}

func RandomRkey() string {
	return strings.ToLower(gofakeit.Lexify("3?????????????"))
}

// SeedAccount adds an active account to the local index.
func SeedAccount(t testing.TB, db *gorm.DB, did string) *models.Account {
	t.Helper()
	acct := models.Account{
		Did:    did,
		Handle: strings.ToLower(gofakeit.Username()) + ".test",
	}
	require.NoError(t, db.Create(&acct).Error)
	return &acct
}

// SeedRecord adds a live record to the local index and returns it.
func SeedRecord(t testing.TB, db *gorm.DB, did, collection string) *models.RecordEntry {
	t.Helper()
	rkey := RandomRkey()
	rec := models.RecordEntry{
		Uri:        fmt.Sprintf("at://%s/%s/%s", did, collection, rkey),
		Did:        did,
		Collection: collection,
		Rkey:       rkey,
		Cid:        RandomCID(),
	}
	require.NoError(t, db.Create(&rec).Error)
	return &rec
}
