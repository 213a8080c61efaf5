// Package chat declares the contracts the pipeline consumes from the
// chat-client automation layer, and a small concurrent registry of the
// conversations currently being listened to. The automation layer itself
// (logging in, scraping message elements) lives outside this module and is
// injected by the embedding message router.
package chat

// Messenger is the chat-delivery channel. Implementations are assumed
// synchronous and potentially slow or flaky; any error is treated by the
// pipeline as a retryable delivery failure.
type Messenger interface {
	// SwitchTo brings the conversation for key into focus so a follow-up
	// send lands in the right window.
	SwitchTo(key string) error

	// SendFile delivers a local file to the conversation for key.
	SendFile(path, key string) error

	// SendText delivers a plain text message to the conversation for key.
	SendText(msg, key string) error
}

// Reporter is the operator-facing error channel. Failures that exhausted
// their retries are reported here instead of crashing the process.
type Reporter interface {
	ReportError(context, msg string)
}
