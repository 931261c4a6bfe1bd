package sqlbackend

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iperfex-team/dataverse-bulkmw/backend"
)

func TestDefaultPoolConfigMatchesTeacherDefaults(t *testing.T) {
	d := DefaultPoolConfig()
	require.Equal(t, 10, d.MaxIdleConns)
	require.Equal(t, 20, d.MaxOpenConns)
	require.Equal(t, 3*time.Minute, d.ConnMaxLifetime)
}

func TestPoolConfigWithDefaultsFillsOnlyZeroFields(t *testing.T) {
	p := PoolConfig{MaxIdleConns: 5}.withDefaults()
	require.Equal(t, 5, p.MaxIdleConns)
	require.Equal(t, 20, p.MaxOpenConns)
	require.Equal(t, 3*time.Minute, p.ConnMaxLifetime)
}

func TestPoolConfigWithDefaultsIsNoopWhenFullySpecified(t *testing.T) {
	p := PoolConfig{MaxIdleConns: 1, MaxOpenConns: 2, ConnMaxLifetime: time.Second}.withDefaults()
	require.Equal(t, PoolConfig{MaxIdleConns: 1, MaxOpenConns: 2, ConnMaxLifetime: time.Second}, p)
}

func TestClassifyReturnsNilForNilError(t *testing.T) {
	require.NoError(t, classify(nil))
}

func TestClassifyWrapsEveryErrorAsTransient(t *testing.T) {
	err := classify(errors.New("connection reset"))
	require.Error(t, err)
	berr, ok := backend.AsError(err)
	require.True(t, ok)
	require.Equal(t, backend.CodeConnectionTransient, berr.Code)
}
