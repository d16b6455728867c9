package feathermail

import (
	"context"
	"time"
)

// Session represents an active SMTP session.
// A session is created for each client connection and handles the
// complete SMTP conversation lifecycle.
type Session interface {
	SessionInfo

	// Run executes the session until completion.
	// The context controls timeouts and cancellation.
	// Returns when the session terminates normally, errors, or is cancelled.
	Run(ctx context.Context) error

	// Close terminates the session immediately.
	// This may be called from another goroutine.
	Close() error
}

// EngineConfig contains configuration for an Engine. Unlike the fixed
// Mailbox/SenderPolicy pairing of a hand-wired server, recipient and sender
// decisions live entirely in the Pipeline; EngineConfig supplies the pieces
// that are not pipeline concerns (hostname, limits, TLS, logging).
type EngineConfig struct {
	// ServerHostname is the hostname to use in greetings and Received headers.
	ServerHostname Hostname

	// ServerName is the server software name advertised in the greeting
	// banner (spec §3/§4.7: "220 <server_hostname> <server_name> ready
	// <session_count>"), distinct from the hostname.
	ServerName string

	// SessionCounter is this session's ordinal in the listener's monotonic
	// per-listener accept count (spec §3's Session.session_counter), folded
	// into the literal greeting text. Zero if the caller does not track one.
	SessionCounter int64

	// Limits contains resource limits for this session.
	Limits SessionLimits

	// TLSPolicy specifies the TLS policy for this session.
	TLSPolicy TLSPolicy

	// TLSProvider provides TLS configuration if TLS is enabled.
	TLSProvider TLSProvider

	// Pipeline is the ordered set of adapter stages dispatched on every
	// phase of the session.
	Pipeline *Pipeline

	// Extensions specifies which SMTP extensions are enabled.
	Extensions ExtensionSet

	// Logger receives session log events. If nil, logging is disabled.
	Logger Logger
}

// SessionLimits contains resource limits for DoS protection.
type SessionLimits struct {
	// MaxMessageSize is the maximum message size in bytes (0 = unlimited).
	MaxMessageSize MessageSize

	// MaxRecipients is the maximum recipients per message (0 = unlimited).
	MaxRecipients RecipientCount

	// MaxCommandLength is the maximum length of a command line in bytes.
	// RFC 5321 specifies 512 bytes; including extensions, 1024 is common.
	MaxCommandLength CommandLength

	// MaxLineLength is the maximum length of a data line in bytes.
	// RFC 5321 specifies 998 bytes for message lines.
	MaxLineLength LineLength

	// CommandTimeout is the timeout for reading a command.
	CommandTimeout Duration

	// DataTimeout is the timeout for receiving message data.
	DataTimeout Duration

	// IdleTimeout is the timeout for an idle connection.
	IdleTimeout Duration

	// MaxErrors is the maximum consecutive errors before disconnection.
	MaxErrors ErrorCount

	// MaxTransactions is the maximum mail transactions per session (0 = unlimited).
	MaxTransactions TransactionCount

	// MaxAuthAttempts is the maximum authentication attempts per session.
	MaxAuthAttempts AuthAttemptCount
}

// CommandLength is the length of a command line in bytes.
type CommandLength = int

// LineLength is the length of a line in bytes.
type LineLength = int

// Duration is a time duration.
type Duration = time.Duration

// ErrorCount is a count of errors.
type ErrorCount = int

// TransactionCount is a count of mail transactions.
type TransactionCount = int

// AuthAttemptCount is a count of authentication attempts.
type AuthAttemptCount = int

// RecipientCount is the number of recipients in a transaction.
type RecipientCount = int

// MessageSize is the size of a message in bytes.
type MessageSize = int64

// SessionID is a unique identifier for an SMTP session.
type SessionID = string

// IPAddress represents an IP address as a string.
type IPAddress = string

// Username represents an authenticated username.
type Username = string

// DefaultSessionLimits returns secure default limits.
func DefaultSessionLimits() SessionLimits {
	return SessionLimits{
		MaxMessageSize:   25 * 1024 * 1024, // 25 MB
		MaxRecipients:    100,
		MaxCommandLength: 512,
		MaxLineLength:    998,
		CommandTimeout:   5 * time.Minute,
		DataTimeout:      10 * time.Minute,
		IdleTimeout:      5 * time.Minute,
		MaxErrors:        10,
		MaxTransactions:  100,
		MaxAuthAttempts:  3,
	}
}

// ExtensionSet specifies which SMTP extensions are enabled.
type ExtensionSet struct {
	// STARTTLS enables the STARTTLS extension (RFC 3207).
	STARTTLS bool

	// SIZE enables the SIZE extension (RFC 1870).
	SIZE bool

	// EightBitMIME enables the 8BITMIME extension (RFC 6152).
	EightBitMIME bool

	// PIPELINING enables the PIPELINING extension (RFC 2920).
	PIPELINING bool

	// ENHANCEDSTATUSCODES enables enhanced status codes (RFC 2034).
	ENHANCEDSTATUSCODES bool

	// SMTPUTF8 enables internationalized email (RFC 6531).
	SMTPUTF8 bool

	// AUTH enables SMTP authentication (RFC 4954).
	AUTH bool

	// VRFY enables the VRFY command.
	VRFY bool

	// EXPN enables the EXPN command.
	EXPN bool

	// HELP enables the HELP command.
	HELP bool
}

// DefaultExtensions returns a default extension set.
func DefaultExtensions() ExtensionSet {
	return ExtensionSet{
		STARTTLS:            true,
		SIZE:                true,
		EightBitMIME:        true,
		PIPELINING:          true,
		ENHANCEDSTATUSCODES: true,
		SMTPUTF8:            false,
		AUTH:                false,
		VRFY:                false,
		EXPN:                false,
		HELP:                true,
	}
}

// SessionStats contains statistics for a session.
type SessionStats struct {
	// StartTime is when the session started.
	StartTime time.Time

	// EndTime is when the session ended (zero if still active).
	EndTime time.Time

	// BytesRead is the total bytes read from the client.
	BytesRead ByteCount

	// BytesWritten is the total bytes written to the client.
	BytesWritten ByteCount

	// CommandCount is the number of commands processed.
	CommandCount CommandCount

	// ErrorCount is the number of errors encountered.
	ErrorCount ErrorCount

	// TransactionCount is the number of completed mail transactions.
	TransactionCount TransactionCount

	// MessageCount is the number of messages received.
	MessageCount MessageCount

	// RecipientCount is the total recipients across all messages.
	RecipientCount RecipientCount
}

// CommandCount is a count of commands.
type CommandCount = int

// MessageCount is a count of messages.
type MessageCount = int

// SessionState contains the mutable state of a session.
type SessionState struct {
	// State is the current protocol state.
	State State

	// ClientHostname is the hostname from HELO/EHLO.
	ClientHostname Hostname

	// TLSActive indicates TLS is active.
	TLSActive bool

	// TLSState contains TLS connection state if active.
	TLSState *TLSConnectionState

	// Authenticated indicates successful authentication.
	Authenticated bool

	// AuthenticatedUser is the authenticated username.
	AuthenticatedUser Username

	// Meta is the accumulated envelope metadata for the in-progress
	// transaction, if any (nil outside of MAIL..DATA).
	Meta Meta

	// ConsecutiveErrors tracks consecutive protocol errors.
	ConsecutiveErrors ErrorCount
}
