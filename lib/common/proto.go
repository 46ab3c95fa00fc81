package common

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrFutureTimeout is returned by Await when the future did not resolve in time
	ErrFutureTimeout = errors.New("future did not resolve within the given timeout")
)

// --------------------------------------------------------------------------
// Request Header and Envelope
// --------------------------------------------------------------------------

// RequestHeader carries the metadata of an inbound request. It is produced
// by the server's request boundary and never modified afterwards.
type RequestHeader struct {
	// CorrelationID uniquely identifies the request within its connection
	CorrelationID uint64
	// Version is the negotiated api version of the request
	Version int16
}

// RequestEnvelope bundles a request body with its correlation id and the
// timestamp at which it was created. The envelope is immutable once
// constructed; it carries the ResponseFuture that resolves when the
// consensus engine completes the request.
type RequestEnvelope struct {
	CorrelationID uint64
	Body          []byte
	CreatedMs     int64

	future *ResponseFuture
}

// NewRequestEnvelope creates a new immutable request envelope together with
// its single-resolution response future
func NewRequestEnvelope(correlationID uint64, body []byte, createdMs int64) *RequestEnvelope {
	return &RequestEnvelope{
		CorrelationID: correlationID,
		Body:          body,
		CreatedMs:     createdMs,
		future:        NewResponseFuture(correlationID),
	}
}

// Future returns the response future associated with this envelope
func (e *RequestEnvelope) Future() *ResponseFuture {
	return e.future
}

// --------------------------------------------------------------------------
// Response Future
// --------------------------------------------------------------------------

// ResponseFuture is a future keyed by correlation id that resolves exactly
// once, either with a response body or with an error. All completion paths
// go through a sync.Once, so concurrent Complete/Fail calls are safe and
// only the first one wins.
type ResponseFuture struct {
	correlationID uint64

	once sync.Once
	done chan struct{}
	body []byte
	err  error
}

// NewResponseFuture creates a new unresolved response future
func NewResponseFuture(correlationID uint64) *ResponseFuture {
	return &ResponseFuture{
		correlationID: correlationID,
		done:          make(chan struct{}),
	}
}

// CorrelationID returns the correlation id this future is keyed by
func (f *ResponseFuture) CorrelationID() uint64 {
	return f.correlationID
}

// Complete resolves the future with the given response body.
// Only the first Complete/Fail call has any effect.
func (f *ResponseFuture) Complete(body []byte) {
	f.once.Do(func() {
		f.body = body
		close(f.done)
	})
}

// Fail resolves the future with the given error.
// Only the first Complete/Fail call has any effect.
func (f *ResponseFuture) Fail(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done returns a channel that is closed once the future has resolved
func (f *ResponseFuture) Done() <-chan struct{} {
	return f.done
}

// Completed returns true if the future has resolved (with body or error)
func (f *ResponseFuture) Completed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result blocks until the future has resolved and returns the response body
// or the failure
func (f *ResponseFuture) Result() ([]byte, error) {
	<-f.done
	return f.body, f.err
}

// Await blocks until the future has resolved or the timeout elapsed
func (f *ResponseFuture) Await(timeout time.Duration) ([]byte, error) {
	select {
	case <-f.done:
		return f.body, f.err
	case <-time.After(timeout):
		return nil, ErrFutureTimeout
	}
}

// --------------------------------------------------------------------------
// Completion Future
// --------------------------------------------------------------------------

// CompletionFuture is the body-less variant of ResponseFuture used for
// lifecycle operations (e.g. the bounded graceful engine shutdown)
type CompletionFuture struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewCompletionFuture creates a new unresolved completion future
func NewCompletionFuture() *CompletionFuture {
	return &CompletionFuture{done: make(chan struct{})}
}

// Complete resolves the future successfully
func (f *CompletionFuture) Complete() {
	f.once.Do(func() {
		close(f.done)
	})
}

// Fail resolves the future with the given error
func (f *CompletionFuture) Fail(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done returns a channel that is closed once the future has resolved
func (f *CompletionFuture) Done() <-chan struct{} {
	return f.done
}

// Err returns the failure of the future. It must only be called after the
// Done channel is closed; before that the result is not yet meaningful.
func (f *CompletionFuture) Err() error {
	return f.err
}

// Await blocks until the future has resolved or the timeout elapsed
func (f *CompletionFuture) Await(timeout time.Duration) error {
	select {
	case <-f.done:
		return f.err
	case <-time.After(timeout):
		return ErrFutureTimeout
	}
}
