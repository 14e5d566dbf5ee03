package badger

import (
	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/common"
	"github.com/whotracksme/webextension-packages-sub000/internal/storage"
)

// Manager opens the Badger connection and hands out the single KVStore
// every subsystem in this module shares. The teacher's Manager fanned a
// BadgerDB connection out to half a dozen typed sub-storages (auth,
// document, job, connector, ...); this domain has exactly one collaborator
// contract (storage.KVStore), so the fan-out collapses to one accessor.
type Manager struct {
	db     *BadgerDB
	kv     storage.KVStore
	logger arbor.ILogger
}

// NewManager creates a new Badger storage manager.
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:     db,
		kv:     NewKVStorage(db, logger),
		logger: logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// KeyValueStorage returns the shared KVStore.
func (m *Manager) KeyValueStorage() storage.KVStore {
	return m.kv
}

// DB returns the underlying database connection.
func (m *Manager) DB() *BadgerDB {
	return m.db
}

// Close closes the database connection.
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
