package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Kind is the direction of a request.
type Kind int

const (
	KindDownload Kind = iota
	KindUpload
)

func (k Kind) String() string {
	if k == KindUpload {
		return "upload"
	}

	return "download"
}

// Phase is the position of a request in its pipeline. Error and Cancelled
// are absorbing; Finished is the success terminal.
type Phase int

const (
	PhasePending Phase = iota
	PhaseInfoChecked
	PhaseParamsRequested
	PhaseStreaming
	PhaseRegistered
	PhaseFinished
	PhaseError
	PhaseCancelled
)

var phaseNames = [...]string{
	PhasePending:         "pending",
	PhaseInfoChecked:     "info_checked",
	PhaseParamsRequested: "params_requested",
	PhaseStreaming:       "streaming",
	PhaseRegistered:      "registered",
	PhaseFinished:        "finished",
	PhaseError:           "error",
	PhaseCancelled:       "cancelled",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}

	return phaseNames[p]
}

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p >= PhaseFinished
}

// Request is one in-flight upload or download bound to an attachment.
// It owns the context of the underlying network calls so Cancel aborts
// them. Once terminal, Advance and Commit refuse to act.
type Request struct {
	ID           string
	Kind         Kind
	AttachmentID string

	mu          sync.Mutex
	name        string
	phase       Phase
	err         error
	cancel      context.CancelFunc
	cancelled   bool
	transferred int64
	total       int64
}

// NewRequest creates a pending request for an attachment.
func NewRequest(kind Kind, attachmentID string) *Request {
	return &Request{
		ID:           uuid.NewString(),
		Kind:         kind,
		AttachmentID: attachmentID,
		name:         attachmentID,
	}
}

// Name returns "<libraryID>/<key>" once the attachment has been resolved,
// and the attachment id before that.
func (r *Request) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.name
}

// Bind records the resolved attachment name.
func (r *Request) Bind(a *Attachment) {
	r.mu.Lock()
	r.name = a.Name()
	r.mu.Unlock()
}

// Start derives the context that network calls for this request must use.
// If the request was cancelled before Start, the returned context is
// already done.
func (r *Request) Start(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	r.mu.Lock()
	r.cancel = cancel
	cancelled := r.cancelled
	r.mu.Unlock()

	if cancelled {
		cancel()
	}

	return ctx, cancel
}

// Cancel moves the request to the cancelled state and aborts any network
// call in progress. Cancelling a terminal request is a no-op.
func (r *Request) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase.Terminal() {
		return
	}

	r.cancelled = true
	r.phase = PhaseCancelled
	r.err = ErrCancelled

	if r.cancel != nil {
		r.cancel()
	}
}

// Phase returns the current phase.
func (r *Request) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.phase
}

// Err returns the terminal error, if any.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.err
}

// IsFinished reports whether the request reached a terminal phase.
func (r *Request) IsFinished() bool {
	return r.Phase().Terminal()
}

// Advance moves the request forward. It returns ErrCancelled when the
// request was cancelled and an error for any other terminal or backwards
// transition.
func (r *Request) Advance(to Phase) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase.Terminal() {
		return r.terminalErr()
	}

	if to.Terminal() || to < r.phase {
		return fmt.Errorf("invalid request transition %s -> %s", r.phase, to)
	}

	r.phase = to

	return nil
}

// Commit runs fn while holding the request lock and finishes the request
// when fn succeeds. Cancel blocks until Commit returns, so a cancelled
// request never runs fn and a committed request can no longer be
// cancelled.
func (r *Request) Commit(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase.Terminal() {
		return r.terminalErr()
	}

	if err := fn(); err != nil {
		r.phase = PhaseError
		r.err = err

		return err
	}

	r.phase = PhaseFinished

	return nil
}

// Finish moves a non-terminal request to Finished when err is nil, to
// Cancelled for cancellation errors, and to Error otherwise. It returns
// the error the caller should report.
func (r *Request) Finish(err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase.Terminal() {
		if r.err != nil {
			return r.err
		}

		return err
	}

	switch {
	case err == nil:
		r.phase = PhaseFinished
	case errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled):
		r.phase = PhaseCancelled
		r.err = ErrCancelled

		return ErrCancelled
	default:
		r.phase = PhaseError
		r.err = err
	}

	return err
}

// SetProgress records transfer progress.
func (r *Request) SetProgress(transferred, total int64) {
	r.mu.Lock()
	r.transferred = transferred
	r.total = total
	r.mu.Unlock()
}

// Progress returns the last recorded transfer progress.
func (r *Request) Progress() (transferred, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.transferred, r.total
}

func (r *Request) terminalErr() error {
	if r.phase == PhaseCancelled {
		return ErrCancelled
	}

	return fmt.Errorf("request %s is no longer running (%s)", r.name, r.phase)
}
