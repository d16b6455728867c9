// Package harness provides a test harness for SMTP sessions.
// It drives a feathermail.Engine entirely in-process, over a pair of
// buffered pipes, so pipeline behavior can be exercised without binding a
// real listener.
package harness

import (
	"bytes"
	"context"
	crypto_tls "crypto/tls"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/feathermail/feathermail"
)

// Harness drives one SMTP session over in-memory pipes.
type Harness struct {
	// Config is the engine configuration used for Start. Callers typically
	// set Config.Pipeline before calling Start.
	Config feathermail.EngineConfig

	// Engine is the SMTP engine under test, set once Start has been called.
	Engine *feathermail.Engine

	// Input is the client-to-server pipe.
	Input *PipeBuffer

	// Output is the server-to-client pipe.
	Output *PipeBuffer

	// Transcript records the full SMTP conversation.
	Transcript *Transcript

	// Errors collects any errors the engine's Run returned.
	Errors []error

	clientIP string
	mu       sync.Mutex
}

// HarnessOption configures a Harness before Start.
type HarnessOption func(*Harness)

// WithServerHostname sets the greeting/EHLO hostname.
func WithServerHostname(hostname feathermail.Hostname) HarnessOption {
	return func(h *Harness) { h.Config.ServerHostname = hostname }
}

// WithPipeline sets the pipeline dispatched on every phase.
func WithPipeline(p *feathermail.Pipeline) HarnessOption {
	return func(h *Harness) { h.Config.Pipeline = p }
}

// WithLimits sets session limits.
func WithLimits(limits feathermail.SessionLimits) HarnessOption {
	return func(h *Harness) { h.Config.Limits = limits }
}

// WithExtensions sets enabled extensions.
func WithExtensions(ext feathermail.ExtensionSet) HarnessOption {
	return func(h *Harness) { h.Config.Extensions = ext }
}

// WithTLSProvider sets the TLS provider used for STARTTLS.
func WithTLSProvider(provider feathermail.TLSProvider) HarnessOption {
	return func(h *Harness) { h.Config.TLSProvider = provider }
}

// WithTLSPolicy sets the TLS policy.
func WithTLSPolicy(policy feathermail.TLSPolicy) HarnessOption {
	return func(h *Harness) { h.Config.TLSPolicy = policy }
}

// WithClientIP sets the simulated peer IP address (defaults to 127.0.0.1).
func WithClientIP(ip feathermail.IPAddress) HarnessOption {
	return func(h *Harness) { h.clientIP = ip }
}

// WithLogger sets the session logger.
func WithLogger(logger feathermail.Logger) HarnessOption {
	return func(h *Harness) { h.Config.Logger = logger }
}

// NewHarness creates a new test harness with default configuration.
func NewHarness(opts ...HarnessOption) *Harness {
	h := &Harness{
		Config: feathermail.EngineConfig{
			ServerHostname: "test.example.com",
			Limits:         feathermail.DefaultSessionLimits(),
			Extensions:     feathermail.DefaultExtensions(),
			TLSPolicy:      feathermail.TLSIfAvailable,
		},
		Input:      NewPipeBuffer(),
		Output:     NewPipeBuffer(),
		Transcript: NewTranscript(),
		clientIP:   "127.0.0.1",
	}

	for _, opt := range opts {
		opt(h)
	}

	if h.Config.Pipeline == nil {
		h.Config.Pipeline = feathermail.NewPipeline()
	}

	return h
}

// Start starts the SMTP engine. Call this before sending commands.
func (h *Harness) Start(ctx context.Context) {
	conn := feathermail.WrapPipe(h.Input, h.Output)
	h.Engine = feathermail.NewEngine(conn, conn, h.Config,
		feathermail.WithConn(conn), feathermail.WithClientIP(h.clientIP))

	go func() {
		if err := h.Engine.Run(ctx); err != nil && err != context.Canceled {
			h.mu.Lock()
			h.Errors = append(h.Errors, err)
			h.mu.Unlock()
		}
	}()
}

// StartWithTLS starts the SMTP engine with TLS upgrade support for testing.
// The tlsUpgrader function is called when STARTTLS upgrade is attempted.
func (h *Harness) StartWithTLS(ctx context.Context, tlsUpgrader func(*crypto_tls.Config) (io.Reader, io.Writer, feathermail.TLSConnectionState, error)) {
	conn := feathermail.WrapPipe(h.Input, h.Output)
	conn.SetTLSUpgrader(tlsUpgrader)
	h.Engine = feathermail.NewEngine(conn, conn, h.Config,
		feathermail.WithConn(conn), feathermail.WithClientIP(h.clientIP))

	go func() {
		if err := h.Engine.Run(ctx); err != nil && err != context.Canceled {
			h.mu.Lock()
			h.Errors = append(h.Errors, err)
			h.mu.Unlock()
		}
	}()
}

// Send sends a command line to the server. The CRLF terminator is added
// automatically.
func (h *Harness) Send(line string) {
	data := line + "\r\n"
	h.Input.Write([]byte(data))
	h.Transcript.RecordClient(data)
}

// SendRaw sends raw bytes to the server.
func (h *Harness) SendRaw(data []byte) {
	h.Input.Write(data)
	h.Transcript.RecordClient(string(data))
}

// Expect reads a response and checks that its final line starts with the
// expected code. Returns every line of the (possibly multiline) response.
func (h *Harness) Expect(code feathermail.ReplyCode) ([]string, error) {
	return h.ExpectWithTimeout(code, 5*time.Second)
}

// ExpectWithTimeout reads a response with a timeout.
func (h *Harness) ExpectWithTimeout(code feathermail.ReplyCode, timeout time.Duration) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	lines, err := h.readResponse(ctx)
	if err != nil {
		return nil, err
	}

	if len(lines) == 0 {
		return nil, fmt.Errorf("empty response")
	}

	lastLine := lines[len(lines)-1]
	if len(lastLine) < 3 {
		return nil, fmt.Errorf("response too short: %s", lastLine)
	}

	var gotCode int
	fmt.Sscanf(lastLine[:3], "%d", &gotCode)

	if feathermail.ReplyCode(gotCode) != code {
		return lines, fmt.Errorf("expected %d, got %d: %s", code, gotCode, lastLine)
	}

	return lines, nil
}

// ExpectAny reads a response and returns it without checking the code.
func (h *Harness) ExpectAny() ([]string, error) {
	return h.ExpectAnyWithTimeout(5 * time.Second)
}

// ExpectAnyWithTimeout reads a response with a timeout.
func (h *Harness) ExpectAnyWithTimeout(timeout time.Duration) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return h.readResponse(ctx)
}

// readResponse reads a complete SMTP response (handles multi-line).
func (h *Harness) readResponse(ctx context.Context) ([]string, error) {
	var lines []string

	for {
		select {
		case <-ctx.Done():
			return lines, ctx.Err()
		default:
		}

		line, err := h.Output.ReadLine(ctx)
		if err != nil {
			return lines, err
		}

		h.Transcript.RecordServer(line)
		lines = append(lines, line)

		if len(line) >= 4 && line[3] == ' ' {
			break
		}
		if len(line) <= 5 && !strings.Contains(line, "-") {
			break
		}
	}

	return lines, nil
}

// SendData sends message data terminated with <CRLF>.<CRLF>, dot-stuffing
// any line that begins with a dot.
func (h *Harness) SendData(data string) {
	lines := strings.Split(data, "\n")
	for i, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		if strings.HasPrefix(line, ".") {
			line = "." + line
		}
		if i < len(lines)-1 {
			h.Send(line)
		} else if line != "" {
			h.Send(line)
		}
	}
	h.Send(".")
}

// RunConversation runs a scripted SMTP conversation.
func (h *Harness) RunConversation(ctx context.Context, script []ConversationStep) error {
	h.Start(ctx)

	for _, step := range script {
		if step.Send != "" {
			h.Send(step.Send)
		}
		if step.SendRaw != nil {
			h.SendRaw(step.SendRaw)
		}
		if step.Expect != 0 {
			if _, err := h.Expect(step.Expect); err != nil {
				return fmt.Errorf("step %q: %w", step.Description, err)
			}
		}
		if step.ExpectAny {
			if _, err := h.ExpectAny(); err != nil {
				return fmt.Errorf("step %q: %w", step.Description, err)
			}
		}
		if step.Delay > 0 {
			time.Sleep(step.Delay)
		}
	}

	return nil
}

// Close closes the harness's pipes and terminates the engine.
func (h *Harness) Close() {
	h.Input.Close()
	h.Output.Close()
	if h.Engine != nil {
		h.Engine.Close()
	}
}

// ConversationStep represents a step in a scripted conversation.
type ConversationStep struct {
	Description string
	Send        string
	SendRaw     []byte
	Expect      feathermail.ReplyCode
	ExpectAny   bool
	Delay       time.Duration
}

// PipeBuffer is a thread-safe buffer for simulating I/O. It supports
// deadline-based reads for timeout testing.
type PipeBuffer struct {
	mu           sync.Mutex
	cond         *sync.Cond
	buf          bytes.Buffer
	closed       bool
	readDeadline time.Time
}

// NewPipeBuffer creates a new pipe buffer.
func NewPipeBuffer() *PipeBuffer {
	p := &PipeBuffer{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Write writes data to the buffer.
func (p *PipeBuffer) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, io.ErrClosedPipe
	}

	n, err := p.buf.Write(data)
	p.cond.Broadcast()
	return n, err
}

// Read reads data from the buffer with deadline support.
func (p *PipeBuffer) Read(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	deadline := p.readDeadline

	for p.buf.Len() == 0 && !p.closed {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return 0, feathermail.ErrDeadlineExceeded
		}

		if !deadline.IsZero() {
			timeout := time.Until(deadline)
			if timeout <= 0 {
				return 0, feathermail.ErrDeadlineExceeded
			}
			go func() {
				time.Sleep(timeout)
				p.cond.Broadcast()
			}()
		}
		p.cond.Wait()

		if !deadline.IsZero() && time.Now().After(deadline) {
			return 0, feathermail.ErrDeadlineExceeded
		}
	}

	if p.buf.Len() == 0 && p.closed {
		return 0, io.EOF
	}

	return p.buf.Read(data)
}

// SetReadDeadline sets the deadline for future Read calls.
func (p *PipeBuffer) SetReadDeadline(t time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readDeadline = t
	p.cond.Broadcast()
	return nil
}

// ReadLine reads a line from the buffer.
func (p *PipeBuffer) ReadLine(ctx context.Context) (string, error) {
	var line bytes.Buffer

	for {
		select {
		case <-ctx.Done():
			return line.String(), ctx.Err()
		default:
		}

		p.mu.Lock()
		for p.buf.Len() == 0 && !p.closed {
			p.cond.Wait()
		}

		if p.buf.Len() == 0 && p.closed {
			p.mu.Unlock()
			return line.String(), io.EOF
		}

		b, err := p.buf.ReadByte()
		p.mu.Unlock()

		if err != nil {
			return line.String(), err
		}

		line.WriteByte(b)

		if b == '\n' {
			return line.String(), nil
		}
	}
}

// Close closes the buffer.
func (p *PipeBuffer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.cond.Broadcast()
	return nil
}

// Transcript records an SMTP conversation.
type Transcript struct {
	mu      sync.Mutex
	entries []TranscriptEntry
}

// TranscriptEntry is a single entry in the transcript.
type TranscriptEntry struct {
	Time      time.Time
	Direction TranscriptDirection
	Data      string
}

// TranscriptDirection indicates client or server.
type TranscriptDirection int

const (
	DirectionClient TranscriptDirection = iota
	DirectionServer
)

// NewTranscript creates a new transcript.
func NewTranscript() *Transcript {
	return &Transcript{}
}

// RecordClient records data from the client.
func (t *Transcript) RecordClient(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, TranscriptEntry{Time: time.Now(), Direction: DirectionClient, Data: data})
}

// RecordServer records data from the server.
func (t *Transcript) RecordServer(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, TranscriptEntry{Time: time.Now(), Direction: DirectionServer, Data: data})
}

// String returns the transcript as a string.
func (t *Transcript) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var b strings.Builder
	for _, e := range t.entries {
		if e.Direction == DirectionClient {
			b.WriteString("C: ")
		} else {
			b.WriteString("S: ")
		}
		b.WriteString(strings.TrimSuffix(e.Data, "\r\n"))
		b.WriteString("\n")
	}
	return b.String()
}

// Entries returns all transcript entries.
func (t *Transcript) Entries() []TranscriptEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	result := make([]TranscriptEntry, len(t.entries))
	copy(result, t.entries)
	return result
}
