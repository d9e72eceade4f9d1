package logcontext

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

var fieldsKey ctxKey

// ContextHandler injects slog attributes carried in the context into every record.
type ContextHandler struct {
	slog.Handler
}

func (h ContextHandler) Handle(ctx context.Context, record slog.Record) error {
	if attrs, ok := ctx.Value(fieldsKey).([]slog.Attr); ok {
		record.AddAttrs(attrs...)
	}
	return h.Handler.Handle(ctx, record)
}

// AppendCtx returns a context carrying the given attribute in addition to
// any attributes already present.
func AppendCtx(parent context.Context, attr slog.Attr) context.Context {
	if parent == nil {
		parent = context.Background()
	}

	if existing, ok := parent.Value(fieldsKey).([]slog.Attr); ok {
		attrs := make([]slog.Attr, 0, len(existing)+1)
		attrs = append(attrs, existing...)
		attrs = append(attrs, attr)
		return context.WithValue(parent, fieldsKey, attrs)
	}

	return context.WithValue(parent, fieldsKey, []slog.Attr{attr})
}

// Fields returns the attributes carried by the context, if any.
func Fields(ctx context.Context) []slog.Attr {
	if attrs, ok := ctx.Value(fieldsKey).([]slog.Attr); ok {
		return attrs
	}
	return nil
}
