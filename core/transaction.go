// Package core provides the fundamental building blocks of knect.
// This file defines transaction management utilities, including helpers
// for carrying transactions in a context and running callbacks inside one.
package core

import (
	"context"

	"go.uber.org/zap"

	"github.com/blujedis/knect-mongo-sub000/logger"
)

// transactionKey is the context key under which the active Transaction lives.
type transactionKey struct{}

// WithTransaction injects a Transaction into the given context.
//
// Drivers detect the transaction and run their operations inside it.
//
// Example:
//
//	tx, _ := driver.Transaction(ctx)
//	txCtx := core.WithTransaction(ctx, tx)
//	_, _ = users.CreateOne(txCtx, core.Document{"name": "ana"})
func WithTransaction(ctx context.Context, tx Transaction) context.Context {
	return context.WithValue(ctx, transactionKey{}, tx)
}

// TransactionFrom extracts a Transaction from the given context, if any.
//
// Decorating transactions that expose Unwrap() Transaction are unwrapped, so
// a driver always finds the transaction it created.
// Returns nil if the context does not contain a transaction.
func TransactionFrom(ctx context.Context) Transaction {
	v, ok := ctx.Value(transactionKey{}).(Transaction)
	if !ok {
		return nil
	}
	for {
		w, ok := v.(interface{ Unwrap() Transaction })
		if !ok {
			return v
		}
		v = w.Unwrap()
	}
}

// TransactionFunc is the callback signature used for ergonomic transactions.
//
// If the function returns an error, the transaction is rolled back.
// If it returns nil, the transaction is committed.
type TransactionFunc func(txCtx context.Context) error

// RunTransaction executes fn inside a transaction, handling commit and
// rollback automatically.
//
// When ctx already carries a transaction, fn joins it and the outer owner
// decides whether to commit. Otherwise a new transaction is started, fn's
// error triggers a rollback and is returned unchanged, and a nil error commits.
func RunTransaction(ctx context.Context, driver Driver, fn TransactionFunc) error {
	return runTransaction(ctx, driver, logger.NewNoopLogger(), fn)
}

func runTransaction(ctx context.Context, driver Driver, log logger.Logger, fn TransactionFunc) error {
	if TransactionFrom(ctx) != nil {
		return fn(ctx)
	}

	tx, err := driver.Transaction(ctx)
	if err != nil {
		return err
	}
	txCtx := WithTransaction(ctx, tx)

	if err := fn(txCtx); err != nil {
		// the context may already be cancelled; rollback must still run
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			log.WarnWithContext(ctx, "transaction rollback failed", zap.Error(rbErr), zap.NamedError("cause", err))
		}
		return err
	}
	return tx.Commit(ctx)
}
