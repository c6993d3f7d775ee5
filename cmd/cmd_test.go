package cmd

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/asaidimu/go-tessera/core/metainf"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "tessera v"+Version+"\n", out)
}

func TestSchemaCommandsPersist(t *testing.T) {
	db := []string{"--backend", "sqlite", "--data-path", filepath.Join(t.TempDir(), "tessera.db"), "--log-level", "error"}
	args := func(a ...string) []string { return append(a, db...) }

	out, err := run(t, args("create-collection", "app", "people")...)
	require.NoError(t, err)
	assert.Contains(t, out, "create: OK")

	_, err = run(t, args("create-collection", "app", "pets")...)
	require.NoError(t, err)

	out, err = run(t, args("rename-collection", "app", "pets", "app", "people")...)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCommandFailed))
	assert.Contains(t, out, "NamespaceExists")

	_, err = run(t, args("rename-collection", "app", "pets", "zoo", "animals")...)
	require.NoError(t, err)

	out, err = run(t, args("schema")...)
	require.NoError(t, err)
	var desc metainf.Description
	require.NoError(t, json.Unmarshal([]byte(out), &desc))
	require.Len(t, desc.Databases, 2)
	assert.Equal(t, "app", desc.Databases[0].Name)
	assert.Equal(t, "zoo", desc.Databases[1].Name)
	require.Len(t, desc.Databases[1].Collections, 1)
	assert.Equal(t, "animals", desc.Databases[1].Collections[0].Name)

	out, err = run(t, args("schema", "zoo")...)
	require.NoError(t, err)
	desc = metainf.Description{}
	require.NoError(t, json.Unmarshal([]byte(out), &desc))
	require.Len(t, desc.Databases, 1)

	_, err = run(t, args("drop-database", "zoo")...)
	require.NoError(t, err)
	out, err = run(t, args("drop-collection", "zoo", "animals")...)
	require.Error(t, err)
	assert.Contains(t, out, "NamespaceNotFound")

	_, err = run(t, args("schema", "zoo")...)
	assert.Error(t, err)
}

func TestMetricsFlag(t *testing.T) {
	out, err := run(t, "create-collection", "app", "people", "--metrics", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, `tessera_transactions_total{backend="memory",outcome="committed"}`)
}

func TestInvalidConfiguration(t *testing.T) {
	_, err := run(t, "schema", "--backend", "sqlite")
	assert.Error(t, err)
	_, err = run(t, "schema", "--backend", "postgres")
	assert.Error(t, err)
	_, err = run(t, "create-collection", "only-one-arg")
	assert.Error(t, err)
}
