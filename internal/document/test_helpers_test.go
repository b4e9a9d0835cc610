package document

import (
	"fmt"
	"sync/atomic"
	"testing"

	githubsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testDatabaseSequence int64

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := fmt.Sprintf("file:document_test_%d?mode=memory&cache=shared", atomic.AddInt64(&testDatabaseSequence, 1))
	db, err := gorm.Open(githubsqlite.Open(name), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&DocumentRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{Database: openTestDatabase(t)})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}
