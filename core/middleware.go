// Package core provides the fundamental building blocks of the
// nefertari-mongodb document-mapping layer.
// This file defines the middleware system, which allows cross-cutting
// concerns (logging, auditing, etc.) to be applied to operations.
package core

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Operation represents the type of operation being executed.
//
// It is used within middlewares to distinguish between inserts,
// updates, deletes, and queries.
type Operation string

const (
	// OperationInsert corresponds to an insert (create) operation.
	OperationInsert Operation = "insert"
	// OperationUpdate corresponds to an update operation.
	OperationUpdate Operation = "update"
	// OperationDelete corresponds to a delete operation.
	OperationDelete Operation = "delete"
	// OperationFind corresponds to a query (find) operation.
	OperationFind Operation = "find"
)

// Handler is the function signature executed by the operation pipeline.
//
// It receives a context, the operation type, and an arbitrary payload.
// Handlers are composed by middlewares to add cross-cutting logic.
type Handler func(ctx context.Context, op Operation, payload any) error

// Middleware is a function that wraps a Handler with additional logic.
//
// Middlewares are chained globally and executed for every operation.
// They follow the decorator pattern.
type Middleware func(next Handler) Handler

var (
	middlewareMutex      sync.RWMutex
	globalMiddlewareList []Middleware
)

// Use registers a new global middleware, applied to all operations.
//
// Middlewares are executed in registration order: the first registered
// middleware is the outermost and runs first.
func Use(mw Middleware) {
	middlewareMutex.Lock()
	defer middlewareMutex.Unlock()
	globalMiddlewareList = append(globalMiddlewareList, mw)
}

// ResetMiddlewares removes every registered middleware. Only tests
// should call it.
func ResetMiddlewares() {
	middlewareMutex.Lock()
	defer middlewareMutex.Unlock()
	globalMiddlewareList = nil
}

// runMiddlewares applies the chain of middlewares to the final handler.
func runMiddlewares(final Handler) Handler {
	middlewareMutex.RLock()
	defer middlewareMutex.RUnlock()
	h := final
	// Wrap back to front so the first registered middleware ends up
	// outermost.
	for i := len(globalMiddlewareList) - 1; i >= 0; i-- {
		h = globalMiddlewareList[i](h)
	}
	return h
}

// dispatchOperation executes an operation through the global middleware
// chain.
//
// The exec function contains the core logic of the operation and is
// wrapped by the registered middlewares.
func dispatchOperation(ctx context.Context, op Operation, payload any, exec func() error) error {
	handler := runMiddlewares(func(ctx context.Context, op Operation, payload any) error {
		return exec()
	})
	return handler(ctx, op, payload)
}

// LoggingMiddleware logs all operations passing through the mapping
// layer with the given logger.
//
// It measures execution time and logs both success and error cases.
//
// Example:
//
//	core.Use(core.LoggingMiddleware(logger))
func LoggingMiddleware(log *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, op Operation, payload any) error {
			start := time.Now()
			err := next(ctx, op, payload)
			elapsed := time.Since(start)
			if err != nil {
				log.Error("operation failed",
					zap.String("op", string(op)),
					zap.Duration("elapsed", elapsed),
					zap.Error(err))
				return err
			}
			log.Debug("operation completed",
				zap.String("op", string(op)),
				zap.Duration("elapsed", elapsed))
			return nil
		}
	}
}
