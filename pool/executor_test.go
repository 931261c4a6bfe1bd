package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iperfex-team/dataverse-bulkmw/backend"
	"github.com/iperfex-team/dataverse-bulkmw/ratelimit"
)

func TestPoolExecutorWithClientRecordsDuration(t *testing.T) {
	p, _ := newTestPool(t, 1, ratelimit.DefaultConfig())
	ex := p.Executor()

	err := ex.WithClient(context.Background(), func(c backend.Client) error {
		_, err := c.GetTotalCount(context.Background(), "account")
		return err
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), p.Controller().Snapshot().SampleCount)
}

func TestPoolExecutorWithClientPropagatesThrottle(t *testing.T) {
	p, _ := newTestPool(t, 1, ratelimit.DefaultConfig())
	ex := p.Executor()

	err := ex.WithClient(context.Background(), func(c backend.Client) error {
		// memquery's injected throttle carries no retry-after, which would
		// leave no cooldown to observe; return one with a real window.
		return backend.Throttled(time.Minute)
	})
	require.Error(t, err)
	berr, ok := backend.AsError(err)
	require.True(t, ok)
	require.Equal(t, backend.CodeConnectionThrottled, berr.Code)
	require.False(t, p.Throttle().IsAvailable("acct"))
}

func TestPoolExecutorReleasesHandleOnNonThrottleError(t *testing.T) {
	p, _ := newTestPool(t, 1, ratelimit.DefaultConfig())
	ex := p.Executor()

	err := ex.WithClient(context.Background(), func(c backend.Client) error {
		time.Sleep(time.Millisecond)
		_, err := c.Execute(context.Background(), backend.Request{Operation: "Update", Entity: "account", ID: "missing"})
		return err
	})
	require.Error(t, err)
	require.Equal(t, 0, p.InFlight(), "handle must be released even on a non-throttle error")
}
