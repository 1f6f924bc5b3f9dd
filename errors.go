package xcenter

import (
	"errors"
	"fmt"
)

var (
	ErrNilEnvelope           = errors.New("xcenter: nil envelope")
	ErrInvalidChannel        = errors.New("xcenter: channel must be non-nil, non-empty and comparable")
	ErrNilReceiver           = errors.New("xcenter: nil receiver")
	ErrReceiverNotComparable = errors.New("xcenter: receiver identity is not comparable")
	ErrAlreadySequenced      = errors.New("xcenter: envelope was already accepted")
	ErrCenterClosed          = errors.New("xcenter: center is closed")
	ErrReceiverPanic         = errors.New("xcenter: receiver panic")
	ErrReceiverTimeout       = errors.New("xcenter: receiver timed out")

	ErrObserverPoolShutdownTimeout = errors.New("xcenter: observer pool shutdown timeout")
)

// PanicError carries a value recovered from a receiver or a dispatch cycle.
type PanicError struct{ Value any }

func (e PanicError) Error() string { return fmt.Sprintf("xcenter: panic recovered: %v", e.Value) }

func (e PanicError) Unwrap() error { return ErrReceiverPanic }
