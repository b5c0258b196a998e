package domain

import "errors"

// Error taxonomy shared by every engine component. Transports map these with
// errors.Is; components wrap them with fmt.Errorf("%w: ...") for detail.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnavailable       = errors.New("unavailable")
	ErrInternal          = errors.New("internal error")
)

// ErrOfferNoLongerValid is returned to a technician whose offer was already
// resolved (cancelled, timed out, or lost a race).
var ErrOfferNoLongerValid = &wrapped{msg: "offer no longer valid", base: ErrConflict}

// ErrConversationClosed rejects writes to a conversation whose request ended.
var ErrConversationClosed = &wrapped{msg: "conversation closed", base: ErrConflict}

type wrapped struct {
	msg  string
	base error
}

func (w *wrapped) Error() string { return w.msg }
func (w *wrapped) Unwrap() error { return w.base }
