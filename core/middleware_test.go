package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMiddleware_Order(t *testing.T) {
	defer ResetMiddlewares()

	var trace []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, op Operation, payload any) error {
				trace = append(trace, name)
				return next(ctx, op, payload)
			}
		}
	}
	Use(mw("first"))
	Use(mw("second"))

	err := dispatchOperation(context.Background(), OperationInsert, nil, func() error {
		trace = append(trace, "exec")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "exec"}, trace)
}

func TestMiddleware_ErrorPropagates(t *testing.T) {
	defer ResetMiddlewares()

	boom := errors.New("boom")
	err := dispatchOperation(context.Background(), OperationDelete, nil, func() error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestLoggingMiddleware(t *testing.T) {
	defer ResetMiddlewares()

	zapCore, logs := observer.New(zap.DebugLevel)
	Use(LoggingMiddleware(zap.New(zapCore)))

	require.NoError(t, dispatchOperation(context.Background(), OperationFind, nil, func() error {
		return nil
	}))
	entries := logs.FilterMessage("operation completed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "find", entries[0].ContextMap()["op"])

	boom := errors.New("boom")
	_ = dispatchOperation(context.Background(), OperationInsert, nil, func() error {
		return boom
	})
	failed := logs.FilterMessage("operation failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "insert", failed[0].ContextMap()["op"])
}

func TestEvents_SynchronousInOrder(t *testing.T) {
	defer ResetEvents()

	var got []int
	On(EventInsert, func(any) { got = append(got, 1) })
	On(EventInsert, func(any) { got = append(got, 2) })

	Emit(EventInsert, nil)
	assert.Equal(t, []int{1, 2}, got)
}

func TestEvents_PayloadDelivery(t *testing.T) {
	defer ResetEvents()

	typ := NewDocumentType("Story")
	doc := typ.Load(nil)

	var seen *Document
	On(EventDelete, func(payload any) {
		if p, ok := payload.(DeletePayload); ok {
			seen = p.Doc
		}
	})
	Emit(EventDelete, DeletePayload{Type: typ, Doc: doc})
	assert.Same(t, doc, seen)
}
