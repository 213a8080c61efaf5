// Package browser declares the contract the pipeline consumes from the
// browser-automation layer and implements the fixed-size pool of reusable
// execution contexts that bounds download concurrency. The low-level
// page/element automation lives outside this module; the pipeline only
// navigates, clicks the download controls, and waits for the completed
// download.
package browser

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrControlNotFound is returned when a looked-up page control (title,
	// download button, confirmation button) is not present.
	ErrControlNotFound = errors.New("page control not found")

	// ErrRateLimited signals that the remote site refused the download with
	// a rate-limit response. The worker cools down and retries.
	ErrRateLimited = errors.New("rate limited by remote site")

	// ErrTimeout is returned when no qualifying network response arrived
	// within the wait window.
	ErrTimeout = errors.New("timed out waiting for download response")
)

// Handle is an opaque reference to a located page control, as produced by
// FindDownloadControl/FindConfirmationControl and consumed by Click.
type Handle interface{}

// ExecContext is one reusable browser execution context ("tab"). A context
// is owned by at most one worker at a time; ownership is mediated by the
// Pool. Implementations need not be safe for concurrent use.
type ExecContext interface {
	// Open navigates the context to url.
	Open(ctx context.Context, url string) error

	// Title returns the resource title of the current page, or
	// ErrControlNotFound when the page carries none (malformed or removed
	// resource).
	Title(ctx context.Context) (string, error)

	// FindDownloadControl locates the download control on the current page.
	FindDownloadControl(ctx context.Context) (Handle, error)

	// FindConfirmationControl locates a modal confirmation control (for
	// example a balance/payment confirmation), or ErrControlNotFound when
	// no modal is showing.
	FindConfirmationControl(ctx context.Context) (Handle, error)

	// Click activates a previously located control.
	Click(ctx context.Context, h Handle) error

	// AwaitDownload blocks until a network response matching urlPattern
	// completes and the file is on disk, returning the local path. It
	// returns ErrRateLimited on a rate-limit signal and ErrTimeout when
	// nothing qualifying arrived within timeout.
	AwaitDownload(ctx context.Context, urlPattern string, timeout time.Duration) (string, error)
}
