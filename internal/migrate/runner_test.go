package migrate

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/iot-router/db"
)

func TestDiscoverUpMigrations(t *testing.T) {
	t.Run("按版本排序并忽略非 up 文件", func(t *testing.T) {
		fsys := fstest.MapFS{
			"0002_b_up.sql":   {Data: []byte("SELECT 2")},
			"0001_a_up.sql":   {Data: []byte("SELECT 1")},
			"0001_a_down.sql": {Data: []byte("SELECT 0")},
			"README.md":       {Data: []byte("docs")},
			"x_bad_up.sql":    {Data: []byte("SELECT 3")},
		}
		files, err := Runner{}.discoverUpMigrations(fsys)
		require.NoError(t, err)
		require.Len(t, files, 2)
		assert.Equal(t, int64(1), files[0].Version)
		assert.Equal(t, int64(2), files[1].Version)
	})

	t.Run("版本重复报错", func(t *testing.T) {
		fsys := fstest.MapFS{
			"0001_a_up.sql": {Data: []byte("SELECT 1")},
			"0001_b_up.sql": {Data: []byte("SELECT 1")},
		}
		_, err := Runner{}.discoverUpMigrations(fsys)
		assert.Error(t, err)
	})

	t.Run("内嵌迁移可发现", func(t *testing.T) {
		files, err := Runner{FS: db.Migrations}.discoverUpMigrations(db.Migrations)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(files), 2)
		assert.Equal(t, int64(1), files[0].Version)
	})
}

func TestRunnerSource(t *testing.T) {
	_, err := Runner{}.source()
	assert.Error(t, err)

	fsys, err := Runner{FS: db.Migrations}.source()
	require.NoError(t, err)
	assert.NotNil(t, fsys)
}
