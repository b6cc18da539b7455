package app

import (
	"fmt"

	"github.com/felixgeelhaar/calsync/internal/calendar/application/reconcile"
	"github.com/felixgeelhaar/calsync/internal/calendar/infrastructure/persistence"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/crypto"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/outbox"
)

// RepositoryFactory creates the repositories of one database connection.
// Queries are written once with "?" placeholders; the connection rebinds
// them for its driver.
type RepositoryFactory struct {
	conn      database.Connection
	encrypter crypto.Encrypter
}

// NewRepositoryFactory creates a new repository factory. The encrypter
// seals remote account secrets.
func NewRepositoryFactory(conn database.Connection, encrypter crypto.Encrypter) (*RepositoryFactory, error) {
	if !conn.Driver().IsValid() {
		return nil, fmt.Errorf("unsupported driver: %s", conn.Driver())
	}
	return &RepositoryFactory{conn: conn, encrypter: encrypter}, nil
}

// SyncRepositories returns the repositories a sync pass works on.
func (f *RepositoryFactory) SyncRepositories() reconcile.Repositories {
	return reconcile.Repositories{
		Events:    persistence.NewEventRepository(f.conn),
		Series:    persistence.NewSeriesRepository(f.conn),
		SyncUsers: persistence.NewSyncUserRepository(f.conn, f.encrypter),
		Calendars: persistence.NewCalendarMappingRepository(f.conn),
		States:    persistence.NewSyncStateRepository(f.conn),
		Logs:      persistence.NewSyncLogRepository(f.conn),
	}
}

// LocalUserRepository returns the local user directory.
func (f *RepositoryFactory) LocalUserRepository() *persistence.LocalUserRepository {
	return persistence.NewLocalUserRepository(f.conn)
}

// ContactRepository returns the placeholder contact directory.
func (f *RepositoryFactory) ContactRepository() *persistence.ContactRepository {
	return persistence.NewContactRepository(f.conn)
}

// OutboxRepository returns the event outbox.
func (f *RepositoryFactory) OutboxRepository() *outbox.SQLRepository {
	return outbox.NewSQLRepository(f.conn)
}
