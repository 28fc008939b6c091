package media

import "errors"

var (
	// ErrEndOfStream signals graceful completion of a source, queue or decoder.
	ErrEndOfStream = errors.New("end of stream")
	// ErrWouldBlock is returned by Decoder.Receive when the decoder needs
	// more input before it can produce another frame.
	ErrWouldBlock = errors.New("decoder needs more input")
	// ErrCancelled is returned by blocking operations once playback is shutting down.
	ErrCancelled = errors.New("cancelled")
	// ErrEmpty is returned by a non-blocking pop on an empty queue.
	ErrEmpty = errors.New("queue empty")
	// ErrTimeout is returned when a bounded wait expires.
	ErrTimeout = errors.New("timed out")
	// ErrFormatChanged reports a decoded frame whose format differs from the
	// format pinned for its stream.
	ErrFormatChanged = errors.New("stream format changed")
	// ErrUnsupported reports a codec or format the backend cannot handle.
	ErrUnsupported = errors.New("unsupported")
)

type recoverableError struct {
	err error
}

func (e *recoverableError) Error() string { return e.err.Error() }
func (e *recoverableError) Unwrap() error { return e.err }

// Recoverable marks err as affecting only the current packet. Loops that see
// a recoverable error log it, skip the packet and continue.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &recoverableError{err: err}
}

// IsRecoverable reports whether err, or any error it wraps, was marked with
// Recoverable.
func IsRecoverable(err error) bool {
	var re *recoverableError
	return errors.As(err, &re)
}
