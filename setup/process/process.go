// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package process

import (
	"context"
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// ProcessContext tracks the lifetime of the components that make up a
// running syncd instance, so shutdown can wait for all of them.
type ProcessContext struct {
	wg       sync.WaitGroup     // used to wait for components to shutdown
	ctx      context.Context    // cancelled when Stop is called
	shutdown context.CancelFunc // shut down the process
	degraded atomic.Bool        // set when the process is degraded
}

func NewProcessContext() *ProcessContext {
	ctx, shutdown := context.WithCancel(context.Background())
	return &ProcessContext{
		ctx:      ctx,
		shutdown: shutdown,
	}
}

func (b *ProcessContext) Context() context.Context {
	return context.WithValue(b.ctx, "scope", "process") // nolint:staticcheck
}

func (b *ProcessContext) ComponentStarted() {
	b.wg.Add(1)
}

func (b *ProcessContext) ComponentFinished() {
	b.wg.Done()
}

func (b *ProcessContext) ShutdownSyncd() {
	b.shutdown()
}

func (b *ProcessContext) WaitForShutdown() <-chan struct{} {
	return b.ctx.Done()
}

func (b *ProcessContext) WaitForComponentsToFinish() {
	b.wg.Wait()
}

// Degraded marks the process as degraded, e.g. when a component hit an
// error that it can run without but that an operator should know about.
// The flag is only reported once.
func (b *ProcessContext) Degraded(err error) {
	if b.degraded.CompareAndSwap(false, true) {
		logrus.WithError(err).Warn("Server is running in a degraded state")
		sentry.CaptureException(err)
	}
}

func (b *ProcessContext) IsDegraded() bool {
	return b.degraded.Load()
}
