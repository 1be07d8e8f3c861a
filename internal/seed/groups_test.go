package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taoyao-code/iot-router/internal/coremodel"
	"github.com/taoyao-code/iot-router/internal/storage/memory"
)

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "groups.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadGroups_RepoSeedFileIsValid(t *testing.T) {
	f, err := LoadGroups("../../configs/groups.yaml")
	require.NoError(t, err)
	assert.Len(t, f.Groups, len(coremodel.AllGroupTypes()))
}

func TestLoadGroups_MissingFileFallsBackToDefaults(t *testing.T) {
	f, err := LoadGroups(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Len(t, f.Groups, 6)
	require.NoError(t, f.Validate())
}

func TestLoadGroups_DistanceGroupRequiresRadius(t *testing.T) {
	path := writeSeed(t, "groups:\n  - name: patrol\n    type: enhanced\n")
	_, err := LoadGroups(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, coremodel.ErrValidation)
}

func TestLoadGroups_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown type":   "groups:\n  - name: a\n    type: mesh\n",
		"missing name":   "groups:\n  - type: private\n",
		"duplicate name": "groups:\n  - name: a\n    type: private\n  - name: a\n    type: exclusive\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadGroups(writeSeed(t, body))
			assert.ErrorIs(t, err, coremodel.ErrValidation)
		})
	}
}

func TestLoadGroups_MalformedYAML(t *testing.T) {
	_, err := LoadGroups(writeSeed(t, "groups: [::"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal groups seed")
}

func TestEnsureGroups_OnlyWhenEmpty(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	path := writeSeed(t, "groups:\n  - name: ops\n    type: private\n    nid: \"31\"\n  - name: field\n    type: location\n    radius_km: 1.5\n")
	f, err := LoadGroups(path)
	require.NoError(t, err)

	n, err := EnsureGroups(ctx, store, f, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := store.CountGroups(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	// 再次执行不重复创建
	n, err = EnsureGroups(ctx, store, f, zap.NewNop())
	require.NoError(t, err)
	assert.Zero(t, n)
	count, err = store.CountGroups(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestEnsureGroups_CanonicalizesNID(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	f := &GroupsFile{Groups: []GroupSpec{{Name: "ops", Type: "private", NID: "31"}}}

	_, err := EnsureGroups(ctx, store, f, nil)
	require.NoError(t, err)

	g, err := store.GetGroup(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, g.NID)
	assert.Equal(t, "0x1F", *g.NID)
}

func TestEnsureGroups_StoreFailure(t *testing.T) {
	store := memory.New()
	store.SetFailure(func(op string) error {
		if op == "count_groups" {
			return coremodel.Infra(op, assert.AnError)
		}
		return nil
	})

	_, err := EnsureGroups(context.Background(), store, DefaultGroups(), nil)
	assert.ErrorIs(t, err, coremodel.ErrInfrastructure)
}
