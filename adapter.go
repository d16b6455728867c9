package feathermail

import "context"

// SessionInfo provides read-only information about the current session.
// It is passed to every adapter hook so stages can make decisions without
// holding a reference to the engine itself.
type SessionInfo interface {
	// ID returns the session identifier.
	ID() SessionID

	// State returns the current protocol state.
	State() State

	// ClientHostname returns the hostname from HELO/EHLO.
	ClientHostname() Hostname

	// ClientIP returns the client's IP address.
	ClientIP() IPAddress

	// TLSActive returns true if TLS is active.
	TLSActive() bool

	// Authenticated returns true if the client has authenticated.
	Authenticated() bool

	// AuthenticatedUser returns the authenticated username, if any.
	AuthenticatedUser() Username

	// CurrentMailFrom returns the current envelope sender, if in a transaction.
	CurrentMailFrom() *MailPath

	// CurrentRecipientCount returns the number of accepted recipients so far.
	CurrentRecipientCount() RecipientCount
}

// PhaseResult is what an adapter hook returns after processing a phase: the
// pipeline either continues to the next stage with meta/state advanced, or
// halts the remaining stages with a reason. A halted result's state is kept,
// but its meta is dropped: the engine keeps the meta as it stood before the
// halting stage ran, and no later stage's hook runs for the remainder of
// that phase.
type PhaseResult struct {
	halted bool
	meta   Meta
	state  any
	reason string
}

// Continue advances the pipeline to the next stage with updated meta and
// per-stage state.
func Continue(meta Meta, state any) PhaseResult {
	return PhaseResult{meta: meta, state: state}
}

// Halt stops the remaining stages in this phase. reason is handed to the
// halting stage's FormatReason hook (if implemented) to build the client
// response; state is still retained for this stage across the rest of the
// session (a halted MAIL hook's state is still there when RCPT runs).
func Halt(reason string, meta Meta, state any) PhaseResult {
	return PhaseResult{halted: true, meta: meta, state: state, reason: reason}
}

// Halted reports whether this result stops the pipeline.
func (r PhaseResult) Halted() bool { return r.halted }

// Meta returns the meta map carried by this result.
func (r PhaseResult) Meta() Meta { return r.meta }

// State returns the private stage state carried by this result.
func (r PhaseResult) State() any { return r.state }

// Reason returns the halt reason, or "" if this result does not halt.
func (r PhaseResult) Reason() string { return r.reason }

// AdapterOpts is the decoded, stage-specific configuration block from a
// config.StageSpec entry of the pipeline spec. Each adapter type-asserts or decodes this into
// its own options struct during Init.
type AdapterOpts map[string]any

// Adapter is the contract every pipeline stage implements. Kind identifies
// the adapter for the compile-time registry (internal/pipeline.Registry)
// and for log output; the phase hooks are all optional — a stage implements
// only the ones relevant to it by satisfying the corresponding *Hook
// interface below. The engine type-asserts each stage against every hook
// interface once per phase dispatch.
type Adapter interface {
	// Kind returns the adapter_kind string this stage was registered under.
	Kind() string
}

// InitHook is implemented by adapters that need to construct private,
// per-session state before the first phase hook runs. The returned state is
// opaque to every other stage and is destroyed when the session ends.
type InitHook interface {
	Init(ctx context.Context, session SessionInfo, opts AdapterOpts) (state any, err error)
}

// HeloHook runs on HELO/EHLO.
type HeloHook interface {
	Helo(ctx context.Context, session SessionInfo, meta Meta, state any, hostname Hostname) PhaseResult
}

// AuthHook runs on AUTH.
type AuthHook interface {
	Auth(ctx context.Context, session SessionInfo, meta Meta, state any, mechanism, username, password string) PhaseResult
}

// MailHook runs on MAIL FROM.
type MailHook interface {
	Mail(ctx context.Context, session SessionInfo, meta Meta, state any, from MailPath, params ESMTPParams) PhaseResult
}

// RcptHook runs on RCPT TO, once per recipient.
type RcptHook interface {
	Rcpt(ctx context.Context, session SessionInfo, meta Meta, state any, to MailPath, params ESMTPParams) PhaseResult
}

// DataHook runs once the full message body has been received, before the
// engine sends the final DATA response. Delivery stages embed their
// transformer sub-pipeline inside this hook.
type DataHook interface {
	Data(ctx context.Context, session SessionInfo, meta Meta, state any, data []byte) PhaseResult
}

// TerminateHook runs once, at the end of the session, regardless of how it
// ended. It cannot halt the pipeline (there is nothing left to halt) and has
// no return value; stages use it for cleanup (closing files, flushing
// counters) and final logging.
type TerminateHook interface {
	Terminate(ctx context.Context, session SessionInfo, meta Meta, state any, reason TerminationReason)
}

// FormatReasonHook lets a stage that halted a phase supply client-facing
// reply text for its halt reason. If a halting stage does not implement
// this, the engine falls back to a generic "550 <reason>" response.
type FormatReasonHook interface {
	FormatReason(reason string) Response
}

// TerminationReason classifies why a session ended, reported to every
// stage's Terminate hook.
type TerminationReason int

const (
	// TerminationNormal indicates the client sent QUIT.
	TerminationNormal TerminationReason = iota

	// TerminationClientDisconnect indicates the client closed the
	// connection without sending QUIT.
	TerminationClientDisconnect

	// TerminationProtocolError indicates the session ended due to a
	// protocol violation or resource limit (too many errors, oversized
	// message, command/line length exceeded).
	TerminationProtocolError

	// TerminationFatal indicates an unrecoverable I/O or internal error.
	TerminationFatal
)

// String returns a human-readable termination reason.
func (t TerminationReason) String() string {
	switch t {
	case TerminationNormal:
		return "normal"
	case TerminationClientDisconnect:
		return "client_disconnect"
	case TerminationProtocolError:
		return "protocol_error"
	case TerminationFatal:
		return "fatal"
	default:
		return "unknown"
	}
}
