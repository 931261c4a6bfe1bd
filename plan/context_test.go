package plan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iperfex-team/dataverse-bulkmw/backend"
)

type fakeClient struct{ backend.Client }

func TestSingleClientExecutorPassesClientThrough(t *testing.T) {
	var c fakeClient
	ex := SingleClientExecutor(c)

	var seen backend.Client
	err := ex.WithClient(context.Background(), func(bc backend.Client) error {
		seen = bc
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, c, seen)
}

func TestContextExecutorResolvesDefaultForEmptyLabel(t *testing.T) {
	var c fakeClient
	pctx := NewContext(SingleClientExecutor(c))

	ex, err := pctx.Executor("")
	require.NoError(t, err)
	require.NotNil(t, ex)
}

func TestContextExecutorErrorsWhenNoDefaultBound(t *testing.T) {
	pctx := NewContext(nil)
	_, err := pctx.Executor("")
	require.Error(t, err)
}

func TestContextExecutorResolvesRemoteLabel(t *testing.T) {
	var c fakeClient
	pctx := NewContext(nil)
	pctx.Remotes["east"] = SingleClientExecutor(c)

	ex, err := pctx.Executor("east")
	require.NoError(t, err)
	require.NotNil(t, ex)

	_, err = pctx.Executor("west")
	require.Error(t, err)
	berr, ok := backend.AsError(err)
	require.True(t, ok)
	require.Equal(t, backend.CodeOperationNotFound, berr.Code)
}

func TestScopeDeclareSetGet(t *testing.T) {
	s := NewScope()
	s.Declare("x", Int(1))

	v, ok := s.Get("x")
	require.True(t, ok)
	require.Equal(t, int64(1), v.Int)

	require.NoError(t, s.Set("x", Int(2)))
	v, _ = s.Get("x")
	require.Equal(t, int64(2), v.Int)
}

func TestScopeSetUndefinedVariableErrors(t *testing.T) {
	s := NewScope()
	err := s.Set("missing", Int(1))
	require.Error(t, err)
	berr, ok := backend.AsError(err)
	require.True(t, ok)
	require.Equal(t, backend.Code("Script.UndefinedVariable"), berr.Code)
}

func TestScopePushPopFramesShadowOuterBindings(t *testing.T) {
	s := NewScope()
	s.Declare("x", Int(1))

	s.Push()
	s.Declare("x", Int(2))
	v, _ := s.Get("x")
	require.Equal(t, int64(2), v.Int)
	s.Pop()

	v, _ = s.Get("x")
	require.Equal(t, int64(1), v.Int, "popping the inner frame restores the outer binding")
}

func TestScopeSetMutatesOuterFrameFromInnerBlock(t *testing.T) {
	s := NewScope()
	s.Declare("total", Int(0))

	s.Push()
	require.NoError(t, s.Set("total", Int(5)))
	s.Pop()

	v, _ := s.Get("total")
	require.Equal(t, int64(5), v.Int, "SET walks outward and mutates the enclosing binding, not a shadow copy")
}

func TestScopePopNeverDropsRootFrame(t *testing.T) {
	s := NewScope()
	s.Pop()
	s.Pop()
	s.Declare("x", Int(1))
	_, ok := s.Get("x")
	require.True(t, ok)
}

func TestStatsTracksPagesRowsAndCookie(t *testing.T) {
	st := &Stats{}
	st.IncPagesFetched()
	st.IncPagesFetched()
	st.AddRowsRead(10)
	st.SetLastPagingCookie("abc")
	st.SetTotalCount(42)

	require.Equal(t, int64(2), st.PagesFetched())
	require.Equal(t, int64(10), st.RowsRead())
	require.Equal(t, "abc", st.LastPagingCookie())
	total, ok := st.TotalCount()
	require.True(t, ok)
	require.Equal(t, int64(42), total)
}

func TestStatsTotalCountUnsetReturnsFalse(t *testing.T) {
	st := &Stats{}
	_, ok := st.TotalCount()
	require.False(t, ok)
}
