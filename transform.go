package feathermail

// MetaTransformer rewrites envelope metadata only. Used for alias
// expansion, SRS rewriting, and mailbox tagging.
type MetaTransformer interface {
	TransformMeta(meta Meta) (Meta, error)
}

// DataTransformer rewrites both the raw message body and metadata. Used for
// DKIM signing and header/body pattern matching that needs to inspect the
// message itself.
type DataTransformer interface {
	TransformData(raw []byte, meta Meta) ([]byte, Meta, error)
}

// TransformerChain is the ordered sub-pipeline a delivery stage embeds
// inside its data hook: every meta transformer runs first, in order, then
// every data transformer, in order, and only then does the delivery action
// see the rewritten (raw, meta).
type TransformerChain struct {
	MetaTransformers []MetaTransformer
	DataTransformers []DataTransformer
}

// Run applies the chain per the contract: meta transformers, then data
// transformers, returning the final (raw, meta) the delivery action should
// act on.
func (c TransformerChain) Run(raw []byte, meta Meta) ([]byte, Meta, error) {
	current := meta
	for _, t := range c.MetaTransformers {
		next, err := t.TransformMeta(current)
		if err != nil {
			return nil, nil, err
		}
		current = next
	}

	for _, t := range c.DataTransformers {
		nextRaw, nextMeta, err := t.TransformData(raw, current)
		if err != nil {
			return nil, nil, err
		}
		raw, current = nextRaw, nextMeta
	}

	return raw, current, nil
}
