package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/feathermail/feathermail"
	"github.com/feathermail/feathermail/internal/config"
	"github.com/feathermail/feathermail/internal/ipmatch"
	"github.com/feathermail/feathermail/internal/stages"
	"github.com/feathermail/feathermail/internal/transformers"
	"github.com/feathermail/feathermail/internal/ttlstore"
)

// Dependencies are the process-wide shared resources default stage
// factories close over: the TTL store and the logging backend are the only
// things the specification allows to be shared across sessions, so they are
// threaded in here rather than constructed per-stage.
type Dependencies struct {
	TTLStore *ttlstore.Store
	Logger   feathermail.Logger
}

type simpleAuthOpts struct {
	Credentials map[string]string `yaml:"credentials"`
}

type encryptedPasswordOpts struct {
	SecretKey    string `yaml:"secret_key"`
	KeystorePath string `yaml:"keystore_path"`
}

type pamAuthOpts struct {
	BinaryPath string `yaml:"binary_path"`
}

type noAuthOpts struct {
	User string `yaml:"user"`
}

type simpleAccessOpts struct {
	Patterns []string `yaml:"patterns"`
}

type relayControlOpts struct {
	LocalDomains []string `yaml:"local_domains"`
	TrustedIPs   []string `yaml:"trusted_ips"`
}

type ipFilterOpts struct {
	Blocked []string `yaml:"blocked"`
}

type senderDomainValidatorOpts struct {
	AllowedDomains      []string `yaml:"allowed_domains"`
	RequireAuthForRelay bool     `yaml:"require_auth_for_relay"`
}

type messageRateLimitOpts struct {
	MaxMessages int64         `yaml:"max_messages"`
	Window      time.Duration `yaml:"window"`
	Exempt      []string      `yaml:"exempt"`
}

type userRateLimitOpts struct {
	MaxMessages int64         `yaml:"max_messages"`
	Window      time.Duration `yaml:"window"`
	Exempt      []string      `yaml:"exempt"`
}

type recipientLimitOpts struct {
	MaxAnonymous feathermail.RecipientCount `yaml:"max_anonymous"`
	MaxAuthed    feathermail.RecipientCount `yaml:"max_authed"`
}

type localFileDeliveryOpts struct {
	Root         string             `yaml:"root"`
	Transformers []transformerSpec  `yaml:"transformers"`
}

type backscatterGuardOpts struct {
	Guards []backscatterGuardEntry `yaml:"guards"`
}

type backscatterGuardEntry struct {
	Kind           string        `yaml:"kind"`
	Recipients     []string      `yaml:"recipients"`
	Patterns       []string      `yaml:"patterns"`
	Root           string        `yaml:"root"`
	Path           string        `yaml:"path"`
	ReloadInterval durationYAML  `yaml:"reload_interval"`
}

type byDomainOpts struct {
	Routes  map[string]config.StageSpec `yaml:"routes"`
	Default *config.StageSpec           `yaml:"default"`
}

type mailLoggerOpts struct {
	Sanitize bool `yaml:"sanitize"`
}

type defaultMailboxOpts struct {
	Mailbox string `yaml:"mailbox"`
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// NewDefaultRegistry builds the closed registry of every stage described in
// the canonical stage set, wiring in the shared TTL store and logger where a
// stage needs them.
func NewDefaultRegistry(deps Dependencies) *Registry {
	r := NewRegistry()

	r.Register("simple_auth", func(stage config.StageSpec) (feathermail.Adapter, error) {
		var opts simpleAuthOpts
		if err := config.DecodeOpts(stage, &opts); err != nil {
			return nil, err
		}
		return &stages.SimpleAuth{Credentials: opts.Credentials}, nil
	})

	r.Register("encrypted_provisioned_password", func(stage config.StageSpec) (feathermail.Adapter, error) {
		var opts encryptedPasswordOpts
		if err := config.DecodeOpts(stage, &opts); err != nil {
			return nil, err
		}
		keystore, err := loadKeystoreFile(opts.KeystorePath)
		if err != nil {
			return nil, err
		}
		return &stages.EncryptedProvisionedPassword{SecretKey: opts.SecretKey, Keystore: keystore}, nil
	})

	r.Register("pam_auth", func(stage config.StageSpec) (feathermail.Adapter, error) {
		var opts pamAuthOpts
		if err := config.DecodeOpts(stage, &opts); err != nil {
			return nil, err
		}
		return &stages.PamAuth{BinaryPath: opts.BinaryPath}, nil
	})

	r.Register("no_auth", func(stage config.StageSpec) (feathermail.Adapter, error) {
		var opts noAuthOpts
		if err := config.DecodeOpts(stage, &opts); err != nil {
			return nil, err
		}
		return &stages.NoAuth{User: opts.User}, nil
	})

	r.Register("simple_access", func(stage config.StageSpec) (feathermail.Adapter, error) {
		var opts simpleAccessOpts
		if err := config.DecodeOpts(stage, &opts); err != nil {
			return nil, err
		}
		patterns, err := compileAll(opts.Patterns)
		if err != nil {
			return nil, err
		}
		return &stages.SimpleAccess{Patterns: patterns}, nil
	})

	r.Register("relay_control", func(stage config.StageSpec) (feathermail.Adapter, error) {
		var opts relayControlOpts
		if err := config.DecodeOpts(stage, &opts); err != nil {
			return nil, err
		}
		trusted, err := ipmatch.Parse(opts.TrustedIPs)
		if err != nil {
			return nil, err
		}
		return &stages.RelayControl{LocalDomains: toSet(opts.LocalDomains), TrustedIPs: trusted}, nil
	})

	r.Register("ip_filter", func(stage config.StageSpec) (feathermail.Adapter, error) {
		var opts ipFilterOpts
		if err := config.DecodeOpts(stage, &opts); err != nil {
			return nil, err
		}
		blocked, err := ipmatch.Parse(opts.Blocked)
		if err != nil {
			return nil, err
		}
		return &stages.IPFilter{Blocked: blocked}, nil
	})

	r.Register("sender_domain_validator", func(stage config.StageSpec) (feathermail.Adapter, error) {
		var opts senderDomainValidatorOpts
		if err := config.DecodeOpts(stage, &opts); err != nil {
			return nil, err
		}
		return &stages.SenderDomainValidator{
			AllowedDomains:      toSet(opts.AllowedDomains),
			RequireAuthForRelay: opts.RequireAuthForRelay,
		}, nil
	})

	r.Register("message_rate_limit", func(stage config.StageSpec) (feathermail.Adapter, error) {
		var opts messageRateLimitOpts
		if err := config.DecodeOpts(stage, &opts); err != nil {
			return nil, err
		}
		exempt, err := ipmatch.Parse(opts.Exempt)
		if err != nil {
			return nil, err
		}
		return &stages.MessageRateLimit{
			Store:       deps.TTLStore,
			MaxMessages: opts.MaxMessages,
			Window:      opts.Window,
			Exempt:      exempt,
		}, nil
	})

	r.Register("user_rate_limit", func(stage config.StageSpec) (feathermail.Adapter, error) {
		var opts userRateLimitOpts
		if err := config.DecodeOpts(stage, &opts); err != nil {
			return nil, err
		}
		return &stages.UserRateLimit{
			Store:       deps.TTLStore,
			MaxMessages: opts.MaxMessages,
			Window:      opts.Window,
			Exempt:      toSet(opts.Exempt),
		}, nil
	})

	r.Register("recipient_limit", func(stage config.StageSpec) (feathermail.Adapter, error) {
		var opts recipientLimitOpts
		if err := config.DecodeOpts(stage, &opts); err != nil {
			return nil, err
		}
		return &stages.RecipientLimit{MaxAnonymous: opts.MaxAnonymous, MaxAuthed: opts.MaxAuthed}, nil
	})

	r.Register("default_mailbox", func(stage config.StageSpec) (feathermail.Adapter, error) {
		var opts defaultMailboxOpts
		if err := config.DecodeOpts(stage, &opts); err != nil {
			return nil, err
		}
		return &defaultMailboxAdapter{transformers.DefaultMailbox{Mailbox: opts.Mailbox}}, nil
	})

	r.Register("local_file_delivery", func(stage config.StageSpec) (feathermail.Adapter, error) {
		var opts localFileDeliveryOpts
		if err := config.DecodeOpts(stage, &opts); err != nil {
			return nil, err
		}
		chain, err := buildTransformerChain(opts.Transformers)
		if err != nil {
			return nil, err
		}
		return &stages.LocalFileDelivery{Root: opts.Root, Transformer: chain}, nil
	})

	r.Register("backscatter_guard", func(stage config.StageSpec) (feathermail.Adapter, error) {
		var opts backscatterGuardOpts
		if err := config.DecodeOpts(stage, &opts); err != nil {
			return nil, err
		}
		guards, err := buildRecipientGuards(opts.Guards)
		if err != nil {
			return nil, err
		}
		return &stages.BackscatterGuard{Guards: guards}, nil
	})

	r.Register("by_domain", func(stage config.StageSpec) (feathermail.Adapter, error) {
		var opts byDomainOpts
		if err := config.DecodeOpts(stage, &opts); err != nil {
			return nil, err
		}

		routes := make(map[string]feathermail.DataHook, len(opts.Routes))
		for domain, routeSpec := range opts.Routes {
			adapter, err := r.BuildOne(routeSpec)
			if err != nil {
				return nil, fmt.Errorf("pipeline: by_domain route %q: %w", domain, err)
			}
			hook, ok := adapter.(feathermail.DataHook)
			if !ok {
				return nil, fmt.Errorf("pipeline: by_domain route %q: adapter_kind %q has no data hook", domain, routeSpec.Kind)
			}
			routes[domain] = hook
		}

		var def feathermail.DataHook
		if opts.Default != nil {
			adapter, err := r.BuildOne(*opts.Default)
			if err != nil {
				return nil, fmt.Errorf("pipeline: by_domain default route: %w", err)
			}
			hook, ok := adapter.(feathermail.DataHook)
			if !ok {
				return nil, fmt.Errorf("pipeline: by_domain default route: adapter_kind %q has no data hook", opts.Default.Kind)
			}
			def = hook
		}

		return &stages.ByDomain{Routes: routes, Default: def}, nil
	})

	r.Register("mail_logger", func(stage config.StageSpec) (feathermail.Adapter, error) {
		var opts mailLoggerOpts
		if err := config.DecodeOpts(stage, &opts); err != nil {
			return nil, err
		}
		return &stages.MailLogger{Backend: deps.Logger, Sanitize: opts.Sanitize}, nil
	})

	return r
}

// defaultMailboxAdapter wraps a bare MetaTransformer as a dispatchable
// pipeline stage, since DefaultMailbox only has meaning as a transformer
// embedded inside a delivery stage's chain, but the registry also needs it
// addressable by adapter_kind for configs that want it to run standalone
// over every message during the data phase.
type defaultMailboxAdapter struct {
	transformers.DefaultMailbox
}

func (d *defaultMailboxAdapter) Kind() string { return "default_mailbox" }

func (d *defaultMailboxAdapter) Data(ctx context.Context, session feathermail.SessionInfo, meta feathermail.Meta, state any, data []byte) feathermail.PhaseResult {
	next, err := d.TransformMeta(meta)
	if err != nil {
		return feathermail.Halt("transform_failed", meta.Clone(), state)
	}
	return feathermail.Continue(next, state)
}

// buildRecipientGuards resolves BackscatterGuard's "guards" opts list into
// the ordered set of stages.RecipientGuard it consults in turn.
func buildRecipientGuards(entries []backscatterGuardEntry) ([]stages.RecipientGuard, error) {
	guards := make([]stages.RecipientGuard, 0, len(entries))
	for i, entry := range entries {
		switch entry.Kind {
		case "static":
			guards = append(guards, stages.StaticRecipientGuard{Recipients: toSet(entry.Recipients)})
		case "regex":
			patterns, err := compileAll(entry.Patterns)
			if err != nil {
				return nil, fmt.Errorf("pipeline: backscatter_guard guard %d: %w", i, err)
			}
			guards = append(guards, stages.RegexRecipientGuard{Patterns: patterns})
		case "maildir":
			guards = append(guards, stages.MaildirRecipientGuard{Root: entry.Root})
		case "alias_file":
			guards = append(guards, stages.NewAliasFileRecipientGuard(entry.Path, secondsToDuration(entry.ReloadInterval.seconds)))
		default:
			return nil, fmt.Errorf("pipeline: backscatter_guard guard %d: unknown kind %q", i, entry.Kind)
		}
	}
	return guards, nil
}
