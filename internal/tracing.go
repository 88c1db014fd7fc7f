// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"fmt"
	"runtime/trace"

	"github.com/opentracing/opentracing-go"
)

// Trace is a wrapper around an opentracing span and a runtime/trace task or
// region, so a single call site feeds both the Jaeger UI and `go tool trace`.
type Trace struct {
	span   opentracing.Span
	region *trace.Region
	task   *trace.Task
}

// StartTask starts a new top-level unit of work, e.g. one sync request.
func StartTask(inCtx context.Context, name string) (Trace, context.Context) {
	ctx, task := trace.NewTask(inCtx, name)
	span, ctx := opentracing.StartSpanFromContext(ctx, name)
	return Trace{
		span: span,
		task: task,
	}, ctx
}

// StartRegion starts a region within an existing task. Regions must be ended
// on the same goroutine that started them.
func StartRegion(inCtx context.Context, name string) (Trace, context.Context) {
	region := trace.StartRegion(inCtx, name)
	span, ctx := opentracing.StartSpanFromContext(inCtx, name)
	return Trace{
		span:   span,
		region: region,
	}, ctx
}

// EndRegion ends the region and its span.
func (t Trace) EndRegion() {
	t.span.Finish()
	if t.region != nil {
		t.region.End()
	}
}

// EndTask ends the task and its span.
func (t Trace) EndTask() {
	t.span.Finish()
	if t.task != nil {
		t.task.End()
	}
}

// SetTag adds a tag to the span.
func (t Trace) SetTag(key string, value interface{}) {
	t.span.SetTag(key, fmt.Sprintf("%v", value))
}
