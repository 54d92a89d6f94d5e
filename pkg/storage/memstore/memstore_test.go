package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/provgraph/pkg/storage"
	"github.com/ritzau/provgraph/pkg/storage/storagetest"
)

func TestContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return New(storage.DefaultBase)
	})
}

func TestRegistered(t *testing.T) {
	b, err := storage.Open(context.Background(), Name, storage.Options{})
	require.NoError(t, err)
	defer b.Close()
	assert.IsType(t, &Store{}, b)
}

func TestExecuteQueryFilters(t *testing.T) {
	s := New(storage.DefaultBase)
	f := storagetest.NewFixture()
	f.Load(t, s)

	rows, err := s.ExecuteQuery(context.Background(), "type=Artifact AND path LIKE /etc/%")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, f.Passwd.Key(), rows[0]["hash"])
	assert.Equal(t, "/etc/passwd", rows[0]["path"])
}
