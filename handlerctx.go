package notejobs

import (
	"context"

	"github.com/UniQw/notejobs/internal/hctx"
)

// SetProgress reports progress (0..100) for the current job.
// It is a no-op if the context was not provided by the worker runtime.
func SetProgress(ctx context.Context, p int) {
	if st, ok := hctx.From(ctx); ok {
		st.SetProgress(p)
	}
}

// SetResult encodes v with the default JSON encoder and attaches it as the
// job result. Last call wins. No-op outside the worker runtime.
func SetResult(ctx context.Context, v any) error {
	st, ok := hctx.From(ctx)
	if !ok {
		return nil
	}
	b, err := (&JSONEncoder{}).Encode(v)
	if err != nil {
		return err
	}
	st.SetResult(b)
	return nil
}

// SetResultBytes attaches raw bytes as the job result without encoding.
func SetResultBytes(ctx context.Context, b []byte) {
	if st, ok := hctx.From(ctx); ok {
		st.SetResult(b)
	}
}

// JobIDFromContext returns the ID of the job being executed, or "".
func JobIDFromContext(ctx context.Context) string {
	if st, ok := hctx.From(ctx); ok {
		return st.JobID
	}
	return ""
}
