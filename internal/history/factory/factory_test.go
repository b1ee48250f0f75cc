package factory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/simrunner/internal/history/opensearch"
	"github.com/loykin/simrunner/internal/history/sqlite"
)

func TestNewSinkFromDSN_Errors(t *testing.T) {
	for _, dsn := range []string{"", "   ", "invalid://test"} {
		_, err := NewSinkFromDSN(dsn)
		assert.Error(t, err, dsn)
	}
}

func TestNewSinkFromDSN_SQLite(t *testing.T) {
	for _, dsn := range []string{
		"sqlite://:memory:",
		"sqlite://" + filepath.Join(t.TempDir(), "a.db"),
		filepath.Join(t.TempDir(), "b.db"),
	} {
		sink, err := NewSinkFromDSN(dsn)
		require.NoError(t, err, dsn)
		require.IsType(t, &sqlite.Sink{}, sink)
		_ = sink.(*sqlite.Sink).Close()
	}
}

func TestNewSinkFromDSN_OpenSearch(t *testing.T) {
	sink, err := NewSinkFromDSN("opensearch://localhost:9200/logs")
	require.NoError(t, err)
	assert.IsType(t, &opensearch.Sink{}, sink)

	sink, err = parseOpenSearchDSN("elasticsearch://localhost:9200")
	require.NoError(t, err)
	assert.NotNil(t, sink)
}

func TestNewSinkFromDSN_ClickHouseUnreachable(t *testing.T) {
	if testing.Short() {
		t.Skip("dials the network")
	}
	_, err := NewSinkFromDSN("clickhouse://127.0.0.1:1?table=events")
	assert.Error(t, err)
}
