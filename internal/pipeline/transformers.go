package pipeline

import (
	"fmt"

	"github.com/feathermail/feathermail"
	"github.com/feathermail/feathermail/internal/transformers"
	"gopkg.in/yaml.v3"
)

// transformerSpec is one entry of a delivery stage's "transformers" opts
// list: a kind string plus its own raw opts, resolved against a small
// closed set (distinct from the adapter registry, since transformers are
// never addressable as top-level pipeline stages).
type transformerSpec struct {
	Kind string `yaml:"kind"`
	Opts struct {
		Aliases        map[string][]string `yaml:"aliases"`
		Path           string               `yaml:"path"`
		ReloadInterval durationYAML         `yaml:"reload_interval"`
		Secret         string               `yaml:"secret"`
		SRSDomain      string               `yaml:"srs_domain"`
		LocalDomains   []string             `yaml:"local_domains"`
		MaxAgeDays     int64                `yaml:"max_age_days"`
		Patterns       []string             `yaml:"patterns"`
		Header         string               `yaml:"header"`
		Mailbox        string               `yaml:"mailbox"`
		Domain         string               `yaml:"domain"`
		Selector       string               `yaml:"selector"`
		PrivateKeyPath string               `yaml:"private_key_path"`
	} `yaml:"opts"`
}

// durationYAML exists only so transformerSpec can decode both a bare integer
// (seconds) and a duration string ("10m") for reload_interval, the way the
// rest of the pipeline config tolerates either.
type durationYAML struct {
	seconds int64
}

func (d *durationYAML) UnmarshalYAML(value *yaml.Node) error {
	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		d.seconds = asInt
		return nil
	}
	var asString string
	if err := value.Decode(&asString); err != nil {
		return err
	}
	parsed, err := parseDurationSeconds(asString)
	if err != nil {
		return err
	}
	d.seconds = parsed
	return nil
}

// buildTransformerChain resolves an ordered list of transformerSpec entries
// (already decoded from a delivery stage's "transformers" opts key) into the
// feathermail.TransformerChain the delivery stage's data hook runs before
// its own action, per the meta-then-data ordering in spec §4.6.
func buildTransformerChain(specs []transformerSpec) (feathermail.TransformerChain, error) {
	var chain feathermail.TransformerChain
	for i, spec := range specs {
		switch spec.Kind {
		case "alias_resolver":
			chain.MetaTransformers = append(chain.MetaTransformers, &transformers.AliasResolver{Aliases: spec.Opts.Aliases})
		case "file_based_alias_resolver":
			r := transformers.NewFileBasedAliasResolver(spec.Opts.Path, secondsToDuration(spec.Opts.ReloadInterval.seconds))
			chain.MetaTransformers = append(chain.MetaTransformers, r)
		case "srs_rewriter":
			chain.MetaTransformers = append(chain.MetaTransformers, &transformers.SRSRewriter{
				Secret:       spec.Opts.Secret,
				SRSDomain:    spec.Opts.SRSDomain,
				LocalDomains: toSet(spec.Opts.LocalDomains),
			})
		case "srs_bounce_handler":
			chain.MetaTransformers = append(chain.MetaTransformers, &transformers.SRSBounceHandler{
				Secret:     spec.Opts.Secret,
				MaxAgeDays: spec.Opts.MaxAgeDays,
			})
		case "match_sender":
			patterns, err := compileAll(spec.Opts.Patterns)
			if err != nil {
				return chain, fmt.Errorf("pipeline: transformer %d (match_sender): %w", i, err)
			}
			chain.MetaTransformers = append(chain.MetaTransformers, &transformers.MatchSender{Patterns: patterns, Mailbox: spec.Opts.Mailbox})
		case "match_rcpt_to":
			patterns, err := compileAll(spec.Opts.Patterns)
			if err != nil {
				return chain, fmt.Errorf("pipeline: transformer %d (match_rcpt_to): %w", i, err)
			}
			chain.MetaTransformers = append(chain.MetaTransformers, &transformers.MatchRcptTo{Patterns: patterns, Mailbox: spec.Opts.Mailbox})
		case "match_header":
			patterns, err := compileAll(spec.Opts.Patterns)
			if err != nil {
				return chain, fmt.Errorf("pipeline: transformer %d (match_header): %w", i, err)
			}
			chain.DataTransformers = append(chain.DataTransformers, &transformers.MatchHeader{Header: spec.Opts.Header, Patterns: patterns, Mailbox: spec.Opts.Mailbox})
		case "match_body":
			patterns, err := compileAll(spec.Opts.Patterns)
			if err != nil {
				return chain, fmt.Errorf("pipeline: transformer %d (match_body): %w", i, err)
			}
			chain.DataTransformers = append(chain.DataTransformers, &transformers.MatchBody{Patterns: patterns, Mailbox: spec.Opts.Mailbox})
		case "default_mailbox":
			chain.MetaTransformers = append(chain.MetaTransformers, &transformers.DefaultMailbox{Mailbox: spec.Opts.Mailbox})
		case "dkim_signer":
			signer, err := loadDKIMSigner(spec.Opts.PrivateKeyPath)
			if err != nil {
				return chain, fmt.Errorf("pipeline: transformer %d (dkim_signer): %w", i, err)
			}
			chain.DataTransformers = append(chain.DataTransformers, &transformers.DKIMSigner{
				Domain:   spec.Opts.Domain,
				Selector: spec.Opts.Selector,
				Signer:   signer,
			})
		default:
			return chain, fmt.Errorf("pipeline: unknown transformer kind %q", spec.Kind)
		}
	}
	return chain, nil
}
