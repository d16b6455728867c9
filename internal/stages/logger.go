package stages

import (
	"context"
	"encoding/hex"
	"math/rand"
	"time"

	"github.com/feathermail/feathermail"
)

// MailLogger passes every phase through unchanged, emitting one line per
// event to Backend with a per-session 8-hex id and monotonic-ms timings.
// Backend write failures never propagate into the pipeline: a logging
// stage that could fail the transaction would defeat its own purpose.
type MailLogger struct {
	Backend  feathermail.Logger
	Sanitize bool
}

type mailLoggerState struct {
	sessionTag string
	start      time.Time
}

func (m *MailLogger) Kind() string { return "mail_logger" }

func (m *MailLogger) Init(ctx context.Context, session feathermail.SessionInfo, opts feathermail.AdapterOpts) (any, error) {
	tag := make([]byte, 4)
	rand.Read(tag)
	return &mailLoggerState{sessionTag: hex.EncodeToString(tag), start: time.Now()}, nil
}

func (m *MailLogger) log(state any, event string, attrs ...feathermail.LogAttr) {
	if m.Backend == nil {
		return
	}
	st, _ := state.(*mailLoggerState)
	tag := "00000000"
	elapsed := int64(0)
	if st != nil {
		tag = st.sessionTag
		elapsed = time.Since(st.start).Milliseconds()
	}
	all := append([]feathermail.LogAttr{
		feathermail.Attr("session_tag", tag),
		feathermail.Attr(feathermail.AttrDuration, elapsed),
	}, attrs...)

	func() {
		defer func() { recover() }()
		m.Backend.Info(context.Background(), event, all...)
	}()
}

func (m *MailLogger) Helo(ctx context.Context, session feathermail.SessionInfo, meta feathermail.Meta, state any, hostname feathermail.Hostname) feathermail.PhaseResult {
	m.log(state, "helo", feathermail.Attr("helo", hostname))
	return feathermail.Continue(meta.Clone(), state)
}

func (m *MailLogger) Auth(ctx context.Context, session feathermail.SessionInfo, meta feathermail.Meta, state any, mechanism, username, password string) feathermail.PhaseResult {
	pw := password
	if m.Sanitize {
		pw = "***"
	}
	m.log(state, "auth", feathermail.Attr("mechanism", mechanism), feathermail.Attr("user", username), feathermail.Attr("password", pw))
	return feathermail.Continue(meta.Clone(), state)
}

func (m *MailLogger) Mail(ctx context.Context, session feathermail.SessionInfo, meta feathermail.Meta, state any, from feathermail.MailPath, params feathermail.ESMTPParams) feathermail.PhaseResult {
	m.log(state, "mail", feathermail.Attr(feathermail.AttrMailFrom, from.Address))
	return feathermail.Continue(meta.Clone(), state)
}

func (m *MailLogger) Rcpt(ctx context.Context, session feathermail.SessionInfo, meta feathermail.Meta, state any, to feathermail.MailPath, params feathermail.ESMTPParams) feathermail.PhaseResult {
	m.log(state, "rcpt", feathermail.Attr(feathermail.AttrRcptTo, to.Address))
	return feathermail.Continue(meta.Clone(), state)
}

func (m *MailLogger) Data(ctx context.Context, session feathermail.SessionInfo, meta feathermail.Meta, state any, data []byte) feathermail.PhaseResult {
	m.log(state, "data", feathermail.Attr(feathermail.AttrMessageSize, len(data)))
	return feathermail.Continue(meta.Clone(), state)
}

func (m *MailLogger) Terminate(ctx context.Context, session feathermail.SessionInfo, meta feathermail.Meta, state any, reason feathermail.TerminationReason) {
	m.log(state, "terminate", feathermail.Attr("reason", reason.String()))
}
