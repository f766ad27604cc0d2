package notejobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMux_MiddlewareOrderAndOverwrite(t *testing.T) {
	m := NewMux()

	var order []int
	mw := func(n int) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, j *Job) (any, error) {
				order = append(order, n)
				return next(ctx, j)
			}
		}
	}
	m.Use(mw(1))
	m.Use(mw(2))

	called := 0
	m.Handle("t", func(context.Context, *Job) (any, error) { called++; return nil, nil })
	m.Handle("t", func(context.Context, *Job) (any, error) { called += 10; return "ok", nil })

	h, ok := m.handler("t")
	require.True(t, ok)
	res, err := h(context.Background(), &Job{Name: "t"})
	require.NoError(t, err)
	require.Equal(t, "ok", res)
	require.Equal(t, 10, called, "overwritten handler runs")
	require.Equal(t, []int{1, 2}, order, "first registered middleware is outermost")

	_, ok = m.handler("missing")
	require.False(t, ok)
}

func TestLogJobs_PassesThroughResultAndError(t *testing.T) {
	boom := errors.New("boom")
	h := LogJobs(NopLogger())(func(context.Context, *Job) (any, error) { return 1, boom })
	res, err := h(context.Background(), &Job{Name: "x"})
	require.Equal(t, 1, res)
	require.ErrorIs(t, err, boom)
}
