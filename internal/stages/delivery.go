package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/feathermail/feathermail"
	"github.com/google/uuid"
)

// LocalFileDelivery is a Storage-backed delivery stage that writes each
// message to "<root>/<user>/<timestamp>-<uuid>.eml", running its embedded
// transformer chain over (raw, meta) before the write.
type LocalFileDelivery struct {
	Root        string
	Transformer feathermail.TransformerChain
}

func (d *LocalFileDelivery) Kind() string { return "local_file_delivery" }

func (d *LocalFileDelivery) mailboxDir(meta feathermail.Meta) string {
	mailbox := meta.Mailbox()
	if mailbox == "" {
		mailbox = meta.User()
	}
	if mailbox == "" {
		mailbox = "unknown"
	}
	return filepath.Join(d.Root, mailbox)
}

// Store writes raw to a fresh file under the recipient's mailbox directory
// and satisfies feathermail.Storage so LocalFileDelivery can be used
// directly wherever a Storage is expected.
func (d *LocalFileDelivery) Store(ctx context.Context, meta feathermail.Meta, raw []byte) (feathermail.StorageReceipt, error) {
	dir := d.mailboxDir(meta)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return feathermail.StorageReceipt{}, fmt.Errorf("local_file_delivery: mkdir: %w", err)
	}

	name := fmt.Sprintf("%d-%s.eml", time.Now().UnixNano(), uuid.NewString())
	path := filepath.Join(dir, name)

	if err := os.WriteFile(path, raw, 0o640); err != nil {
		return feathermail.StorageReceipt{}, fmt.Errorf("local_file_delivery: write: %w", err)
	}

	return feathermail.StorageReceipt{
		MessageID:    name,
		StoredAt:     time.Now().Unix(),
		BytesWritten: int64(len(raw)),
		Backend:      path,
	}, nil
}

func (d *LocalFileDelivery) Data(ctx context.Context, session feathermail.SessionInfo, meta feathermail.Meta, state any, data []byte) feathermail.PhaseResult {
	raw, next, err := d.Transformer.Run(data, meta)
	if err != nil {
		next = meta.Clone()
		next["local_file_delivery.error"] = err.Error()
		return feathermail.Halt("delivery_failed", next, state)
	}

	if _, err := d.Store(ctx, next, raw); err != nil {
		next = next.Clone()
		next["local_file_delivery.error"] = err.Error()
		return feathermail.Halt("delivery_failed", next, state)
	}

	return feathermail.Continue(next, state)
}

func (d *LocalFileDelivery) FormatReason(reason string) feathermail.Response {
	return feathermail.NewResponse(feathermail.Reply451LocalError, "Requested action aborted: local error in processing")
}
