package stages

import "github.com/feathermail/feathermail"

// fakeSession is a minimal feathermail.SessionInfo for exercising stage
// hooks directly, without going through an Engine.
type fakeSession struct {
	id          feathermail.SessionID
	state       feathermail.State
	hostname    feathermail.Hostname
	clientIP    feathermail.IPAddress
	tlsActive   bool
	authed      bool
	user        feathermail.Username
	mailFrom    *feathermail.MailPath
	rcptCount   feathermail.RecipientCount
}

func (s *fakeSession) ID() feathermail.SessionID                        { return s.id }
func (s *fakeSession) State() feathermail.State                         { return s.state }
func (s *fakeSession) ClientHostname() feathermail.Hostname             { return s.hostname }
func (s *fakeSession) ClientIP() feathermail.IPAddress                  { return s.clientIP }
func (s *fakeSession) TLSActive() bool                                  { return s.tlsActive }
func (s *fakeSession) Authenticated() bool                              { return s.authed }
func (s *fakeSession) AuthenticatedUser() feathermail.Username          { return s.user }
func (s *fakeSession) CurrentMailFrom() *feathermail.MailPath           { return s.mailFrom }
func (s *fakeSession) CurrentRecipientCount() feathermail.RecipientCount { return s.rcptCount }

func newFakeSession(clientIP string) *fakeSession {
	return &fakeSession{clientIP: clientIP}
}
