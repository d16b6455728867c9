package transformers

import (
	"bytes"
	"crypto"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/feathermail/feathermail"
)

// DKIMSigner re-encodes a message with a DKIM-Signature header using the
// configured selector, domain, and private key.
type DKIMSigner struct {
	Domain   string
	Selector string
	Signer   crypto.Signer
	Hash     crypto.Hash
}

func (d *DKIMSigner) TransformData(raw []byte, meta feathermail.Meta) ([]byte, feathermail.Meta, error) {
	opts := &dkim.SignOptions{
		Domain:   d.Domain,
		Selector: d.Selector,
		Signer:   d.Signer,
		Hash:     d.Hash,
	}
	if opts.Hash == 0 {
		opts.Hash = crypto.SHA256
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(raw), opts); err != nil {
		return nil, nil, err
	}
	return signed.Bytes(), meta.Clone(), nil
}
