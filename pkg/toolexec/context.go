package toolexec

import "context"

// UIEventFunc reports a UI event performed by a tool, optionally referencing
// a stored screenshot artifact.
type UIEventFunc func(ctx context.Context, name string, payload interface{}, artifactKey string, success bool) error

type ctxKey int

const uiRecorderKey ctxKey = iota

func withUIRecorder(ctx context.Context, fn UIEventFunc) context.Context {
	return context.WithValue(ctx, uiRecorderKey, fn)
}

// ReportUIEvent records a UI event from inside a tool handler. No-op when
// the handler runs outside an invoker (unit tests, dry runs).
func ReportUIEvent(ctx context.Context, name string, payload interface{}, artifactKey string, success bool) error {
	fn, ok := ctx.Value(uiRecorderKey).(UIEventFunc)
	if !ok {
		return nil
	}
	return fn(ctx, name, payload, artifactKey, success)
}
