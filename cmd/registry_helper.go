package cmd

import (
	"database/sql"
	"fmt"

	"github.com/nextlevelbuilder/cortexd/internal/pathutil"
	"github.com/nextlevelbuilder/cortexd/internal/registry"
	"github.com/nextlevelbuilder/cortexd/internal/storedb"
)

// openRegistry opens and migrates registry.db the same way every
// short-lived CLI command touches it: no pooling, no caching, closed
// by the caller's defer — only the daemon keeps a long-lived handle.
func openRegistry() (*registry.Store, *sql.DB, error) {
	db, err := storedb.Open(pathutil.RegistryDBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open registry db: %w", err)
	}
	if err := storedb.Migrate(db, storedb.RoleRegistry); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate registry db: %w", err)
	}
	return registry.New(db), db, nil
}
