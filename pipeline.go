package feathermail

import "context"

// Pipeline is the ordered, already-constructed set of adapter stages an
// Engine dispatches against on every phase of a session. Construction from a
// config.PipelineSpec (YAML) and the compile-time adapter registry lives in
// internal/pipeline; this type is just the dispatch-time representation the
// engine walks.
type Pipeline struct {
	stages []Adapter
	state  []any // per-stage private state, indexed like stages
}

// NewPipeline builds a Pipeline from an ordered list of stages.
func NewPipeline(stages ...Adapter) *Pipeline {
	return &Pipeline{stages: stages, state: make([]any, len(stages))}
}

// Snapshot returns a new Pipeline sharing this one's stage adapters but with
// a fresh, empty per-stage state array. The listener takes a snapshot for
// every accepted connection so concurrent sessions never contend over each
// other's Init-assigned stage state, while hot-reloading the underlying spec
// only replaces the shared Pipeline these snapshots are taken from.
func (p *Pipeline) Snapshot() *Pipeline {
	return &Pipeline{stages: p.stages, state: make([]any, len(p.stages))}
}

// Len returns the number of stages.
func (p *Pipeline) Len() int { return len(p.stages) }

// Init runs every stage's InitHook (if implemented), in order, storing the
// returned state for later phase dispatch. Called once per session.
func (p *Pipeline) Init(ctx context.Context, session SessionInfo, opts []AdapterOpts) error {
	for i, stage := range p.stages {
		hook, ok := stage.(InitHook)
		if !ok {
			continue
		}
		var o AdapterOpts
		if i < len(opts) {
			o = opts[i]
		}
		state, err := hook.Init(ctx, session, o)
		if err != nil {
			return err
		}
		p.state[i] = state
	}
	return nil
}

// dispatchResult is what a full-pipeline phase dispatch returns to the
// engine: the meta map to keep (pre-halt snapshot if a stage halted, or the
// final accumulated meta if every stage continued), and, if halted, which
// stage halted and why.
type dispatchResult struct {
	meta    Meta
	halted  bool
	reason  string
	haltIdx int
}

// runPhase implements the phase-dispatch algorithm: walk the stages in
// order, feeding each one the meta returned by the previous stage. A stage
// that halts stops the walk immediately; the caller keeps the meta as it
// stood before the halting stage ran (the meta the halting stage returned is
// dropped), and every state change up to and including the halting stage's
// own returned state is preserved. Stages after the halting one never run
// for this phase.
func (p *Pipeline) runPhase(currentMeta Meta, call func(stage Adapter, meta Meta, state any) (PhaseResult, bool)) dispatchResult {
	meta := currentMeta
	for i, stage := range p.stages {
		result, applicable := call(stage, meta, p.state[i])
		if !applicable {
			continue
		}
		p.state[i] = result.State()
		if result.Halted() {
			return dispatchResult{meta: meta, halted: true, reason: result.Reason(), haltIdx: i}
		}
		meta = result.Meta()
	}
	return dispatchResult{meta: meta}
}

// formatHaltReason asks the halting stage for client-facing reply text, if
// it implements FormatReasonHook; otherwise falls back to a generic 550.
func (p *Pipeline) formatHaltReason(idx int, reason string) Response {
	if idx < 0 || idx >= len(p.stages) {
		return NewResponse(Reply550MailboxUnavailable, reason)
	}
	if hook, ok := p.stages[idx].(FormatReasonHook); ok {
		return hook.FormatReason(reason)
	}
	return NewResponse(Reply550MailboxUnavailable, reason)
}

// RunHelo dispatches the HELO/EHLO phase.
func (p *Pipeline) RunHelo(ctx context.Context, session SessionInfo, meta Meta, hostname Hostname) (dispatchResult, Response) {
	res := p.runPhase(meta, func(stage Adapter, meta Meta, state any) (PhaseResult, bool) {
		hook, ok := stage.(HeloHook)
		if !ok {
			return PhaseResult{}, false
		}
		return hook.Helo(ctx, session, meta, state, hostname), true
	})
	return p.finish(res)
}

// RunAuth dispatches the AUTH phase.
func (p *Pipeline) RunAuth(ctx context.Context, session SessionInfo, meta Meta, mechanism, username, password string) (dispatchResult, Response) {
	res := p.runPhase(meta, func(stage Adapter, meta Meta, state any) (PhaseResult, bool) {
		hook, ok := stage.(AuthHook)
		if !ok {
			return PhaseResult{}, false
		}
		return hook.Auth(ctx, session, meta, state, mechanism, username, password), true
	})
	return p.finish(res)
}

// RunMail dispatches the MAIL FROM phase.
func (p *Pipeline) RunMail(ctx context.Context, session SessionInfo, meta Meta, from MailPath, params ESMTPParams) (dispatchResult, Response) {
	res := p.runPhase(meta, func(stage Adapter, meta Meta, state any) (PhaseResult, bool) {
		hook, ok := stage.(MailHook)
		if !ok {
			return PhaseResult{}, false
		}
		return hook.Mail(ctx, session, meta, state, from, params), true
	})
	return p.finish(res)
}

// RunRcpt dispatches the RCPT TO phase.
func (p *Pipeline) RunRcpt(ctx context.Context, session SessionInfo, meta Meta, to MailPath, params ESMTPParams) (dispatchResult, Response) {
	res := p.runPhase(meta, func(stage Adapter, meta Meta, state any) (PhaseResult, bool) {
		hook, ok := stage.(RcptHook)
		if !ok {
			return PhaseResult{}, false
		}
		return hook.Rcpt(ctx, session, meta, state, to, params), true
	})
	return p.finish(res)
}

// RunData dispatches the DATA phase with the fully-received message body.
func (p *Pipeline) RunData(ctx context.Context, session SessionInfo, meta Meta, data []byte) (dispatchResult, Response) {
	res := p.runPhase(meta, func(stage Adapter, meta Meta, state any) (PhaseResult, bool) {
		hook, ok := stage.(DataHook)
		if !ok {
			return PhaseResult{}, false
		}
		return hook.Data(ctx, session, meta, state, data), true
	})
	return p.finish(res)
}

// RunTerminate notifies every stage the session has ended. This cannot halt
// and has no client-facing response.
func (p *Pipeline) RunTerminate(ctx context.Context, session SessionInfo, meta Meta, reason TerminationReason) {
	for i, stage := range p.stages {
		if hook, ok := stage.(TerminateHook); ok {
			hook.Terminate(ctx, session, meta, p.state[i], reason)
		}
	}
}

func (p *Pipeline) finish(res dispatchResult) (dispatchResult, Response) {
	if res.halted {
		return res, p.formatHaltReason(res.haltIdx, res.reason)
	}
	return res, ResponseOK
}
