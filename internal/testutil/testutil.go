// Package testutil — общие помощники для тестов.
package testutil

import (
	"fmt"
	"strings"
	"testing"

	"orbmesh/internal/db"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// OpenDB открывает изолированную in-memory sqlite базу с применёнными миграциями.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name)

	d, err := db.Open("sqlite", dsn)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(d))

	t.Cleanup(func() {
		if sqlDB, err := d.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return d
}
