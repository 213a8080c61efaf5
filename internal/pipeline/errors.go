// Package pipeline implements the credit-gated download-and-delivery
// pipeline: admission gate, de-duplicating task queue, the bounded worker
// pool that drives downloads through the browser layer, the delivery stage
// with its accounting, and the daily report scheduler.
//
// This file centralizes the pipeline's sentinel errors so callers can check
// outcomes with errors.Is.
package pipeline

import "errors"

var (
	// ErrNoCredit is returned by Submit when the admission gate rejects a
	// request for insufficient credit. Not an operational error: it is
	// logged at info level and no task is created.
	ErrNoCredit = errors.New("insufficient credit")

	// ErrDuplicateTask is returned by Submit when the resource is already
	// in flight for the same recipient, or was already delivered to it.
	ErrDuplicateTask = errors.New("resource already queued or delivered")

	// ErrQueueClosed is returned once the queue has been shut down.
	ErrQueueClosed = errors.New("task queue closed")

	// ErrPopTimeout is returned by Pop when no task arrived in the wait
	// window; workers loop back and re-check liveness.
	ErrPopTimeout = errors.New("queue pop timed out")

	// ErrResourceMissing marks a page without a title or download control.
	// Fatal for the task, never retried.
	ErrResourceMissing = errors.New("resource title or download control missing")

	// ErrRetriesExhausted marks a download that burned through its retry
	// budget without a qualifying response.
	ErrRetriesExhausted = errors.New("download retries exhausted")

	// ErrDeliveryFailed marks a delivery whose send retries were exhausted.
	// The local file is preserved for manual recovery.
	ErrDeliveryFailed = errors.New("delivery retries exhausted")

	// ErrFileTypeBlocked marks a downloaded file whose extension is not in
	// the allowed set (or is explicitly ignored) by configuration.
	ErrFileTypeBlocked = errors.New("file type not allowed for delivery")
)
