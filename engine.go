package feathermail

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"
)

// Engine is the core SMTP protocol engine. It owns the wire protocol (state
// machine, parsing, response writing) and, at each phase boundary, hands
// control to the configured Pipeline so that stage adapters decide
// acceptance, authentication, routing, and delivery.
type Engine struct {
	config EngineConfig
	reader *bufio.Reader
	writer io.Writer
	parser *Parser
	sm     *StateMachine
	state  *SessionState
	stats  SessionStats
	logger Logger
	conn   Conn

	sessionID  SessionID
	clientIP   IPAddress
	clientAddr RemoteAddress

	mu     sync.Mutex
	closed bool
}

// RemoteAddress is a remote address string (IP:port).
type RemoteAddress = string

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClientIP sets the client IP address.
func WithClientIP(ip IPAddress) EngineOption {
	return func(e *Engine) { e.clientIP = ip }
}

// WithClientAddr sets the client address.
func WithClientAddr(addr RemoteAddress) EngineOption {
	return func(e *Engine) { e.clientAddr = addr }
}

// WithSessionID sets a specific session ID.
func WithSessionID(id SessionID) EngineOption {
	return func(e *Engine) { e.sessionID = id }
}

// WithConn attaches the underlying Conn, enabling STARTTLS upgrade.
func WithConn(conn Conn) EngineOption {
	return func(e *Engine) { e.conn = conn }
}

// NewEngine creates a new SMTP engine bound to a pipeline.
func NewEngine(r io.Reader, w io.Writer, config EngineConfig, opts ...EngineOption) *Engine {
	e := &Engine{
		config:    config,
		reader:    bufio.NewReader(r),
		writer:    w,
		parser:    NewParser(),
		sm:        NewStateMachine(),
		state:     &SessionState{State: StateDisconnected},
		stats:     SessionStats{StartTime: time.Now()},
		sessionID: generateSessionID(),
	}

	if config.Logger != nil {
		e.logger = config.Logger.WithSession(e.sessionID)
	} else {
		e.logger = NullLogger{}
	}

	e.parser.MaxCommandLength = config.Limits.MaxCommandLength
	if e.parser.MaxCommandLength == 0 {
		e.parser.MaxCommandLength = 512
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// generateSessionID creates a unique session identifier.
func generateSessionID() SessionID {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// pipeline returns the configured pipeline, or an empty one if none was set
// (a server with no stages still runs the base protocol, but no stage ever
// authenticates the session, so every MAIL FROM is refused with 530).
func (e *Engine) pipeline() *Pipeline {
	if e.config.Pipeline == nil {
		return NewPipeline()
	}
	return e.config.Pipeline
}

// Run executes the SMTP session to completion.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.sm.Connect(); err != nil {
		return err
	}

	if err := e.pipeline().Init(ctx, e, nil); err != nil {
		e.logger.Error(ctx, "pipeline init failed", Attr(AttrError, err))
		return e.handleDisconnect(ctx, TerminationFatal, err)
	}

	greeting := e.buildGreeting()
	if err := e.writeResponse(ctx, greeting); err != nil {
		return e.handleDisconnect(ctx, TerminationClientDisconnect, err)
	}

	if err := e.sm.Greet(); err != nil {
		return err
	}
	e.state.State = StateGreeted

	e.logger.Info(ctx, "session started", Attr(AttrClientIP, e.clientIP))

	for {
		select {
		case <-ctx.Done():
			return e.handleDisconnect(ctx, TerminationProtocolError, ctx.Err())
		default:
		}

		if e.sm.State().IsTerminal() {
			break
		}

		cmdCtx := ctx
		if e.config.Limits.CommandTimeout > 0 {
			var cancel context.CancelFunc
			cmdCtx, cancel = context.WithTimeout(ctx, e.config.Limits.CommandTimeout)
			defer cancel()
		}

		if err := e.processOneCommand(cmdCtx); err != nil {
			if e.sm.State().IsTerminal() {
				break
			}
			if isIOError(err) {
				return e.handleDisconnect(ctx, TerminationClientDisconnect, err)
			}
		}
	}

	reason := TerminationNormal
	if e.sm.State() == StateAborted {
		reason = TerminationProtocolError
	}
	return e.handleDisconnect(ctx, reason, nil)
}

// processOneCommand reads and processes a single SMTP command.
func (e *Engine) processOneCommand(ctx context.Context) error {
	line, err := e.readLine(ctx)
	if err != nil {
		return err
	}

	e.stats.CommandCount++

	cmd, err := e.parser.ParseCommand(line)
	if err != nil {
		e.state.ConsecutiveErrors++
		if checkErr := e.checkErrorLimit(); checkErr != nil {
			e.writeResponse(ctx, NewResponse(Reply421ServiceNotAvailable, "Too many errors, closing connection"))
			e.sm.Abort()
			return checkErr
		}
		e.writeResponse(ctx, ResponseSyntaxError)
		return err
	}

	e.logger.Debug(ctx, "received command",
		Attr(AttrCommand, cmd.Verb.String()),
		Attr(AttrState, e.sm.State().String()))

	if !e.sm.IsCommandAllowed(cmd.Verb) {
		e.state.ConsecutiveErrors++
		e.writeResponse(ctx, ResponseBadSequence)
		return nil
	}

	response := e.handleCommand(ctx, cmd)

	if err := e.writeResponse(ctx, response); err != nil {
		return err
	}

	if response.Code.IsPositive() {
		e.state.ConsecutiveErrors = 0
	}

	if cmd.Verb == CmdSTARTTLS && e.sm.State() == StateStartTLS {
		if _, err := e.CompleteSTARTTLS(ctx); err != nil {
			e.logger.Error(ctx, "TLS handshake failed", Attr(AttrError, err))
			e.sm.Abort()
			return err
		}
	}

	return nil
}

func (e *Engine) handleCommand(ctx context.Context, cmd *Command) Response {
	switch cmd.Verb {
	case CmdHELO:
		return e.handleHELO(ctx, cmd)
	case CmdEHLO:
		return e.handleEHLO(ctx, cmd)
	case CmdAUTH:
		return e.handleAUTH(ctx, cmd)
	case CmdMAIL:
		return e.handleMAIL(ctx, cmd)
	case CmdRCPT:
		return e.handleRCPT(ctx, cmd)
	case CmdDATA:
		return e.handleDATA(ctx, cmd)
	case CmdRSET:
		return e.handleRSET(ctx, cmd)
	case CmdNOOP:
		return e.handleNOOP(ctx, cmd)
	case CmdQUIT:
		return e.handleQUIT(ctx, cmd)
	case CmdVRFY:
		return e.handleVRFY(ctx, cmd)
	case CmdHELP:
		return e.handleHELP(ctx, cmd)
	case CmdSTARTTLS:
		return e.handleSTARTTLS(ctx, cmd)
	default:
		return ResponseCommandNotImplemented
	}
}

func (e *Engine) baseMeta() Meta {
	return Meta{
		MetaSessionID:     e.sessionID,
		MetaPeerIP:        e.clientIP,
		MetaHelo:          e.state.ClientHostname,
		MetaTLSActive:     e.state.TLSActive,
		MetaAuthenticated: e.state.Authenticated,
		MetaUser:          e.state.AuthenticatedUser,
	}
}

func (e *Engine) handleHELO(ctx context.Context, cmd *Command) Response {
	hostname, err := ParseHeloHostname(cmd.Argument)
	if err != nil {
		return ResponseSyntaxErrorParams
	}

	e.state.ClientHostname = hostname
	e.resetTransaction()

	res, resp := e.pipeline().RunHelo(ctx, e, e.baseMeta(), hostname)
	if res.halted {
		return resp
	}

	e.sm.TransitionForCommand(CmdHELO, true)
	e.state.State = StateIdentified

	return NewResponse(Reply250OK, fmt.Sprintf("%s Hello %s", e.config.ServerHostname, hostname))
}

func (e *Engine) handleEHLO(ctx context.Context, cmd *Command) Response {
	hostname, err := ParseHeloHostname(cmd.Argument)
	if err != nil {
		return ResponseSyntaxErrorParams
	}

	e.state.ClientHostname = hostname
	e.resetTransaction()

	res, resp := e.pipeline().RunHelo(ctx, e, e.baseMeta(), hostname)
	if res.halted {
		return resp
	}

	e.sm.TransitionForCommand(CmdEHLO, true)
	e.state.State = StateIdentified

	lines := []string{fmt.Sprintf("%s Hello %s", e.config.ServerHostname, hostname)}

	ext := e.config.Extensions
	if ext.SIZE && e.config.Limits.MaxMessageSize > 0 {
		lines = append(lines, fmt.Sprintf("SIZE %d", e.config.Limits.MaxMessageSize))
	}
	// tls_mode "always" means the connection is already TLS from the start,
	// so STARTTLS is never offered even though TLS is in effect.
	if ext.STARTTLS && e.config.TLSPolicy == TLSIfAvailable && !e.state.TLSActive {
		lines = append(lines, "STARTTLS")
	}
	if ext.AUTH && (e.state.TLSActive || e.config.TLSPolicy == TLSAlways) {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	if ext.EightBitMIME {
		lines = append(lines, "8BITMIME")
	}
	if ext.PIPELINING {
		lines = append(lines, "PIPELINING")
	}
	if ext.ENHANCEDSTATUSCODES {
		lines = append(lines, "ENHANCEDSTATUSCODES")
	}
	if ext.SMTPUTF8 {
		lines = append(lines, "SMTPUTF8")
	}
	if ext.HELP {
		lines = append(lines, "HELP")
	}

	return NewMultilineResponse(Reply250OK, lines...)
}

func (e *Engine) handleAUTH(ctx context.Context, cmd *Command) Response {
	if !e.config.Extensions.AUTH {
		return ResponseCommandNotImplemented
	}
	// Mirrors the EHLO advertisement gate (§4.7): AUTH is only ever offered,
	// and only ever honored, over an encrypted channel or tls_mode=always.
	// Accepting it here unconditionally would let a client authenticate with
	// cleartext credentials over a connection where AUTH was never advertised.
	if !e.state.TLSActive && e.config.TLSPolicy != TLSAlways {
		return ResponseCommandNotImplemented
	}
	if e.state.Authenticated {
		return NewResponse(Reply503BadSequence, "Already authenticated")
	}

	fields := splitFields(cmd.Argument)
	if len(fields) == 0 {
		return ResponseSyntaxErrorParams
	}
	mechanism := fields[0]
	var username, password string
	if len(fields) > 1 {
		username, password = decodeAuthPayload(mechanism, fields[1:])
	}

	res, resp := e.pipeline().RunAuth(ctx, e, e.baseMeta(), mechanism, username, password)
	if res.halted {
		return resp
	}

	e.state.Authenticated = res.meta.Authenticated()
	e.state.AuthenticatedUser = res.meta.User()

	if !e.state.Authenticated {
		return NewResponse(Reply535AuthFailed, "Authentication failed")
	}
	return NewResponse(Reply235AuthSuccessful, "Authentication successful")
}

func (e *Engine) handleMAIL(ctx context.Context, cmd *Command) Response {
	if e.config.Limits.MaxTransactions > 0 && e.stats.TransactionCount >= e.config.Limits.MaxTransactions {
		return NewResponse(Reply421ServiceNotAvailable, "Too many transactions")
	}

	path, err := ParseMailPath(cmd.Argument, "FROM")
	if err != nil {
		return ResponseSyntaxErrorParams
	}

	if e.config.Extensions.SIZE && e.config.Limits.MaxMessageSize > 0 {
		if sizeStr, ok := cmd.Params["SIZE"]; ok {
			var size int64
			fmt.Sscanf(sizeStr, "%d", &size)
			if size > e.config.Limits.MaxMessageSize {
				return NewResponse(Reply552ExceededStorage, "Message size exceeds fixed maximum message size")
			}
		}
	}

	meta := e.baseMeta().Set(MetaFrom, path.Address)
	res, resp := e.pipeline().RunMail(ctx, e, meta, *path, cmd.Params)
	if res.halted {
		return resp
	}

	// Built-in "last-line" authentication enforcement (spec §4.7): a MAIL
	// FROM phase stage (e.g. NoAuth) may set authenticated/user as part of
	// this very dispatch, so the check runs against the post-dispatch meta,
	// not the pre-dispatch session state.
	if !res.meta.Authenticated() && res.meta.User() == "" {
		return NewEnhancedResponse(Reply530AuthRequired, ESC(5, 7, 0), "Authentication required")
	}

	e.state.Meta = res.meta
	e.state.Authenticated = res.meta.Authenticated()
	e.state.AuthenticatedUser = res.meta.User()
	e.sm.TransitionForCommand(CmdMAIL, true)
	e.state.State = StateMailFrom

	e.logger.Info(ctx, "mail from accepted", Attr(AttrMailFrom, path.Address))

	return ResponseOK
}

func (e *Engine) handleRCPT(ctx context.Context, cmd *Command) Response {
	path, err := ParseMailPath(cmd.Argument, "TO")
	if err != nil {
		return ResponseSyntaxErrorParams
	}

	recipients := e.state.Meta.To()
	if e.config.Limits.MaxRecipients > 0 && len(recipients) >= e.config.Limits.MaxRecipients {
		return NewResponse(Reply452InsufficientStorage, "Too many recipients")
	}

	res, resp := e.pipeline().RunRcpt(ctx, e, e.state.Meta, *path, cmd.Params)
	if res.halted {
		return resp
	}

	e.state.Meta = res.meta.WithTo(append(append([]string{}, recipients...), path.Address))
	e.sm.TransitionForCommand(CmdRCPT, true)
	e.state.State = StateRcptTo

	e.logger.Info(ctx, "recipient accepted", Attr(AttrRcptTo, path.Address))

	return ResponseOK
}

func (e *Engine) handleDATA(ctx context.Context, cmd *Command) Response {
	e.sm.TransitionForCommand(CmdDATA, true)
	e.state.State = StateData

	if err := e.writeResponse(ctx, ResponseStartMailInput); err != nil {
		e.sm.Abort()
		return Response{}
	}

	data, err := e.readData(ctx)
	if err == ErrMessageTooLarge {
		e.sm.DataComplete()
		e.sm.Reset()
		e.state.State = StateIdentified
		e.state.Meta = nil
		return NewResponse(Reply552ExceededStorage, "Message size exceeds limit")
	}
	if err != nil {
		e.sm.Abort()
		return NewResponse(Reply451LocalError, "Error receiving message data")
	}

	if e.config.Limits.MaxMessageSize > 0 && int64(len(data)) > e.config.Limits.MaxMessageSize {
		e.sm.DataComplete()
		e.sm.Reset()
		e.state.State = StateIdentified
		return NewResponse(Reply552ExceededStorage, "Message size exceeds limit")
	}

	meta := e.state.Meta.Set(MetaMessageSize, MessageSize(len(data))).Set(MetaRecipientCount, len(e.state.Meta.To()))
	res, resp := e.pipeline().RunData(ctx, e, meta, data)
	if res.halted {
		e.sm.DataComplete()
		e.sm.Reset()
		e.state.State = StateIdentified
		e.state.Meta = nil
		return resp
	}

	e.stats.MessageCount++
	e.stats.TransactionCount++
	e.stats.RecipientCount += len(e.state.Meta.To())

	e.sm.DataComplete()
	e.sm.Reset()
	e.state.State = StateIdentified
	e.state.Meta = nil

	e.logger.Info(ctx, "message received",
		Attr(AttrMessageSize, len(data)),
		Attr(AttrRecipients, e.stats.RecipientCount))

	return NewResponse(Reply250OK, "OK, message accepted")
}

func (e *Engine) handleRSET(ctx context.Context, cmd *Command) Response {
	e.resetTransaction()
	e.sm.Reset()
	if e.sm.State() == StateGreeted || e.sm.State() == StateIdentified {
		e.state.State = e.sm.State()
	} else {
		e.state.State = StateIdentified
	}

	return ResponseOK
}

func (e *Engine) handleNOOP(ctx context.Context, cmd *Command) Response {
	return ResponseOK
}

func (e *Engine) handleQUIT(ctx context.Context, cmd *Command) Response {
	e.sm.TransitionForCommand(CmdQUIT, true)
	e.sm.Terminate()
	return ResponseBye
}

func (e *Engine) handleVRFY(ctx context.Context, cmd *Command) Response {
	if !e.config.Extensions.VRFY {
		return ResponseCommandNotImplemented
	}
	return NewResponse(Reply252CannotVRFY, "Cannot VRFY user; try RCPT to attempt delivery")
}

func (e *Engine) handleHELP(ctx context.Context, cmd *Command) Response {
	if !e.config.Extensions.HELP {
		return ResponseCommandNotImplemented
	}

	return NewMultilineResponse(Reply214HelpMessage,
		"Supported commands:",
		"HELO EHLO AUTH MAIL RCPT DATA",
		"RSET NOOP QUIT HELP",
		"For more information, consult RFC 5321",
	)
}

func (e *Engine) handleSTARTTLS(ctx context.Context, cmd *Command) Response {
	if e.config.TLSPolicy == TLSNever || e.config.TLSPolicy == TLSAlways {
		return ResponseCommandNotImplemented
	}
	if e.state.TLSActive {
		return NewResponse(Reply503BadSequence, "TLS already active")
	}
	if e.config.TLSProvider == nil || e.conn == nil {
		return NewResponse(Reply454TLSNotAvailable, "TLS not available")
	}

	e.sm.TransitionForCommand(CmdSTARTTLS, true)
	e.state.State = StateStartTLS

	return NewResponse(Reply220ServiceReady, "Ready to start TLS")
}

// CompleteSTARTTLS performs the actual TLS handshake after the 220 response
// for STARTTLS has been flushed to the client, and resets protocol state so
// the client is required to re-issue EHLO/HELO (RFC 3207 §4.2).
func (e *Engine) CompleteSTARTTLS(ctx context.Context) (TLSConnectionState, error) {
	tlsConfig, err := e.config.TLSProvider.GetConfig(ctx, nil)
	if err != nil {
		return TLSConnectionState{}, err
	}

	state, err := e.conn.UpgradeTLS(tlsConfig)
	if err != nil {
		return TLSConnectionState{}, err
	}

	if buffered, ok := any(e.conn).(*BufferedConn); ok {
		buffered.ResetReader()
		e.reader = buffered.Reader()
	} else {
		e.reader = bufio.NewReader(e.conn)
	}

	e.state.TLSActive = true
	e.state.TLSState = &state
	e.state.ClientHostname = ""
	if err := e.sm.TLSComplete(); err != nil {
		return state, err
	}
	e.state.State = StateGreeted

	return state, nil
}

func (e *Engine) readLine(ctx context.Context) ([]byte, error) {
	line, err := e.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	e.stats.BytesRead += int64(len(line))
	return line, nil
}

func (e *Engine) readData(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	reader := NewDataLineReader()
	tooLarge := false

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line, err := e.reader.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		e.stats.BytesRead += int64(len(line))

		if reader.IsTerminator(line) {
			break
		}
		if tooLarge {
			continue
		}

		if e.config.Limits.MaxLineLength > 0 && len(line) > e.config.Limits.MaxLineLength {
			return nil, ErrLineTooLong
		}

		if e.config.Limits.MaxMessageSize > 0 && int64(buf.Len()+len(line)) > e.config.Limits.MaxMessageSize {
			tooLarge = true
			continue
		}

		buf.Write(reader.UnstuffLine(line))
	}

	if tooLarge {
		return nil, ErrMessageTooLarge
	}
	return buf.Bytes(), nil
}

func (e *Engine) writeResponse(ctx context.Context, resp Response) error {
	data := resp.Bytes()
	n, err := e.writer.Write(data)
	e.stats.BytesWritten += int64(n)

	e.logger.Debug(ctx, "sent response", Attr(AttrReplyCode, int(resp.Code)))

	return err
}

func (e *Engine) resetTransaction() {
	e.state.Meta = nil
}

func (e *Engine) checkErrorLimit() error {
	checker := &StandardLimitChecker{Limits: e.config.Limits}
	return checker.CheckErrorCount(e.state.ConsecutiveErrors)
}

func (e *Engine) handleDisconnect(ctx context.Context, reason TerminationReason, err error) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.stats.EndTime = time.Now()

	e.pipeline().RunTerminate(ctx, e, e.baseMeta(), reason)

	e.logger.Info(ctx, "session ended",
		Attr("reason", reason.String()),
		Attr("commands", e.stats.CommandCount),
		Attr("messages", e.stats.MessageCount))

	return err
}

func (e *Engine) buildGreeting() Response {
	name := e.config.ServerName
	if name == "" {
		name = "FeatherMail"
	}
	return NewResponse(Reply220ServiceReady, fmt.Sprintf("%s %s ready %d", e.config.ServerHostname, name, e.config.SessionCounter))
}

func isIOError(err error) bool {
	return err == io.EOF || err == io.ErrUnexpectedEOF || err == io.ErrClosedPipe
}

// SessionInfo interface implementation.

func (e *Engine) ID() SessionID               { return e.sessionID }
func (e *Engine) State() State                { return e.state.State }
func (e *Engine) ClientHostname() Hostname    { return e.state.ClientHostname }
func (e *Engine) ClientIP() IPAddress         { return e.clientIP }
func (e *Engine) TLSActive() bool             { return e.state.TLSActive }
func (e *Engine) Authenticated() bool         { return e.state.Authenticated }
func (e *Engine) AuthenticatedUser() Username { return e.state.AuthenticatedUser }

func (e *Engine) CurrentRecipientCount() RecipientCount {
	return len(e.state.Meta.To())
}

func (e *Engine) CurrentMailFrom() *MailPath {
	from := e.state.Meta.From()
	if from == "" {
		return nil
	}
	return &MailPath{Address: from}
}

// Close terminates the session.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.sm.Abort()
	return nil
}

// splitFields splits an AUTH argument into mechanism and parameter fields.
func splitFields(s string) []string {
	var fields []string
	start := -1
	for i, c := range s {
		if c == ' ' {
			if start >= 0 {
				fields = append(fields, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, s[start:])
	}
	return fields
}

// decodeAuthPayload decodes the username/password out of an AUTH PLAIN or
// AUTH LOGIN initial-response payload. Unsupported mechanisms return empty
// credentials and let the configured auth stage reject them.
func decodeAuthPayload(mechanism string, rest []string) (username, password string) {
	if len(rest) == 0 {
		return "", ""
	}
	switch mechanism {
	case "PLAIN":
		decoded, err := base64Decode(rest[0])
		if err != nil {
			return "", ""
		}
		parts := bytes.SplitN(decoded, []byte{0}, 3)
		if len(parts) != 3 {
			return "", ""
		}
		return string(parts[1]), string(parts[2])
	case "LOGIN":
		decoded, err := base64Decode(rest[0])
		if err != nil {
			return "", ""
		}
		return string(decoded), ""
	default:
		return "", ""
	}
}

func base64Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
