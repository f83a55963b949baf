package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRebind(t *testing.T) {
	q := `UPDATE problems SET status='assigned?' WHERE id=? AND agent=?`
	assert.Equal(t, q, Rebind(DriverSQLite, q))
	assert.Equal(t, `UPDATE problems SET status='assigned?' WHERE id=$1 AND agent=$2`, Rebind(DriverPostgres, q))
}

func TestOpenRequiresDSNForPostgres(t *testing.T) {
	_, err := Open(Config{Driver: DriverPostgres})
	assert.Error(t, err)
	_, err = Open(Config{Driver: "mysql"})
	assert.Error(t, err)
}

func TestPathUnderWorkspace(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, filepath.Join(dir, ".harvestline", "harvestline.db"), Path(dir))
}
