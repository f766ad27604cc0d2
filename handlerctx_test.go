package notejobs

import (
	"context"
	"testing"

	"github.com/UniQw/notejobs/internal/hctx"
	"github.com/stretchr/testify/require"
)

func TestHandlerCtx_NoState_NoPanic(t *testing.T) {
	ctx := context.Background()
	SetProgress(ctx, 50)
	require.NoError(t, SetResult(ctx, map[string]int{"a": 1}))
	SetResultBytes(ctx, []byte("x"))
	require.Empty(t, JobIDFromContext(ctx))
}

func TestHandlerCtx_WithState_ProgressAndResult(t *testing.T) {
	st := hctx.New("job-9")
	ctx := hctx.WithState(context.Background(), st)
	require.Equal(t, "job-9", JobIDFromContext(ctx))

	SetProgress(ctx, 150)
	p, _ := st.Values()
	require.Equal(t, 100, p)
	SetProgress(ctx, 42)
	p, _ = st.Values()
	require.Equal(t, 42, p)

	require.NoError(t, SetResult(ctx, map[string]any{"ok": true}))
	_, r := st.Values()
	require.JSONEq(t, `{"ok":true}`, string(r))

	SetResultBytes(ctx, []byte("raw"))
	_, r = st.Values()
	require.Equal(t, []byte("raw"), r)
}
