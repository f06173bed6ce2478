// Package core provides the fundamental building blocks of knect.
// This file defines the hook chain that wraps every hookable primitive.
package core

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blujedis/knect-mongo-sub000/logger"
)

// hookChain holds the ordered pre and post hooks of one Model, keyed by
// primitive. Registration is expected at setup time; reads take a snapshot so
// concurrent calls never observe a half-registered chain.
type hookChain struct {
	mu   sync.RWMutex
	pre  map[Method][]PreHook
	post map[Method][]PostHook
}

func newHookChain() *hookChain {
	return &hookChain{
		pre:  make(map[Method][]PreHook),
		post: make(map[Method][]PostHook),
	}
}

func (h *hookChain) addPre(category Category, hook PreHook) error {
	methods, ok := categoryMethods[category]
	if !ok {
		return configurationErrorf("unknown hook category %q", category)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range methods {
		h.pre[m] = append(h.pre[m], hook)
	}
	return nil
}

func (h *hookChain) addPost(category Category, hook PostHook) error {
	methods, ok := categoryMethods[category]
	if !ok {
		return configurationErrorf("unknown hook category %q", category)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range methods {
		h.post[m] = append(h.post[m], hook)
	}
	return nil
}

// primitiveFunc is the operation wrapped by the chain.
type primitiveFunc func(ctx context.Context, call *Call) (*Result, error)

// run drives one call: pre hooks in order, then the primitive, then post
// hooks in order. Each stage only starts when the previous one calls its
// continuation.
func (h *hookChain) run(ctx context.Context, call *Call, exec primitiveFunc) (*Result, error) {
	h.mu.RLock()
	pre := slices.Clone(h.pre[call.Method])
	post := slices.Clone(h.post[call.Method])
	h.mu.RUnlock()

	var (
		result  *Result
		reached bool
	)

	var runPost func(ctx context.Context, i int) error
	runPost = func(ctx context.Context, i int) error {
		if i == len(post) {
			return nil
		}
		return post[i](ctx, call, result, func(ctx context.Context) error {
			return runPost(ctx, i+1)
		})
	}

	var runPre func(ctx context.Context, i int) error
	runPre = func(ctx context.Context, i int) error {
		if i < len(pre) {
			return pre[i](ctx, call, func(ctx context.Context) error {
				return runPre(ctx, i+1)
			})
		}
		if reached {
			// a hook called its continuation twice
			return nil
		}
		reached = true
		var err error
		if result, err = exec(ctx, call); err != nil {
			return err
		}
		return runPost(ctx, 0)
	}

	if err := runPre(ctx, 0); err != nil {
		return nil, err
	}
	if !reached {
		return nil, ErrHalted
	}
	if result == nil {
		// a pre hook recovered from a failed primitive
		result = &Result{}
	}
	return result, nil
}

// DebugHook logs every call of the category it is registered for, with its
// duration and outcome.
//
// Example:
//
//	_ = users.Pre(core.CategoryFind, core.DebugHook(log))
func DebugHook(log logger.Logger) PreHook {
	return func(ctx context.Context, call *Call, next Next) error {
		start := time.Now()
		log.DebugWithContext(ctx, "knect call",
			zap.String("collection", call.Collection),
			zap.String("method", string(call.Method)),
			zap.Any("filter", call.Filter),
		)
		err := next(ctx)
		elapsed := time.Since(start)
		if err != nil {
			log.DebugWithContext(ctx, "knect call failed",
				zap.String("collection", call.Collection),
				zap.String("method", string(call.Method)),
				zap.Duration("took", elapsed),
				zap.Error(err),
			)
			return err
		}
		log.DebugWithContext(ctx, "knect call done",
			zap.String("collection", call.Collection),
			zap.String("method", string(call.Method)),
			zap.Duration("took", elapsed),
		)
		return nil
	}
}
