package feathermail

import "context"

// Storage defines the interface for durable message storage, consumed by
// delivery stages (e.g. LocalFileDelivery) from inside their Data hook.
// Implementations may persist to disk, a database, a queue, or any backend.
// Unlike a typed envelope object, the contract here is exactly the pipeline's
// own currency: the meta map accumulated through HELO/AUTH/MAIL/RCPT plus the
// raw message bytes from DATA.
type Storage interface {
	// Store persists a finalized message. meta carries the full set of
	// canonical and stage-namespaced keys accumulated for this transaction
	// (from, to, mailbox, peer_ip, authenticated user, and so on).
	Store(ctx context.Context, meta Meta, data []byte) (StorageReceipt, error)
}

// StorageReceipt is returned on successful storage and contains
// information about the stored message.
type StorageReceipt struct {
	// MessageID is a unique identifier assigned by the storage backend.
	MessageID StorageMessageID

	// StoredAt is the time the message was stored (if available).
	StoredAt Timestamp

	// BytesWritten is the number of bytes stored.
	BytesWritten ByteCount

	// Backend contains implementation-specific receipt data (e.g. the
	// absolute file path for LocalFileDelivery).
	Backend StorageBackendReceipt
}

// StorageMessageID is the identifier assigned by the storage backend.
type StorageMessageID = string

// Timestamp represents a Unix timestamp.
type Timestamp = int64

// ByteCount represents a count of bytes.
type ByteCount = int64

// StorageBackendReceipt contains implementation-specific storage receipt data.
// Implementations may type-assert this to their specific receipt type.
type StorageBackendReceipt interface{}

// StorageError represents an error from the storage backend.
type StorageError struct {
	// Operation is the storage operation that failed.
	Operation StorageOperation

	// Cause is the underlying error.
	Cause error

	// Retryable indicates whether the operation may succeed if retried.
	Retryable bool

	// Message is a human-readable error message.
	Message string
}

// StorageOperation identifies a storage operation.
type StorageOperation = string

const (
	// StorageOpStore is the Store operation.
	StorageOpStore StorageOperation = "Store"
)

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// StorageHook provides optional callbacks for storage events.
// Implementations may use these for logging, metrics, or side effects.
type StorageHook interface {
	// BeforeStore is called before storing a message. Returning an error
	// aborts the store operation.
	BeforeStore(ctx context.Context, meta Meta) error

	// AfterStore is called after successfully storing a message.
	AfterStore(ctx context.Context, meta Meta, receipt StorageReceipt)

	// OnStoreError is called when a store operation fails.
	OnStoreError(ctx context.Context, meta Meta, err error)
}

// StorageMetrics provides storage statistics.
type StorageMetrics struct {
	// MessagesStored is the total number of messages stored.
	MessagesStored CounterValue

	// BytesStored is the total bytes stored.
	BytesStored CounterValue

	// StoreErrors is the count of failed store operations.
	StoreErrors CounterValue

	// StoreLatencyNs is the last store operation latency in nanoseconds.
	StoreLatencyNs DurationNs
}

// CounterValue is a monotonically increasing counter.
type CounterValue = uint64

// DurationNs is a duration in nanoseconds.
type DurationNs = int64

// StorageWithMetrics extends Storage with metrics access.
type StorageWithMetrics interface {
	Storage

	// Metrics returns current storage metrics.
	Metrics() StorageMetrics
}

// StorageWithHealth extends Storage with health checking.
type StorageWithHealth interface {
	Storage

	// Healthy returns nil if the storage backend is healthy.
	Healthy(ctx context.Context) error
}

// NullStorage is a Storage implementation that discards all messages.
// Useful for testing or when storage is not needed.
type NullStorage struct{}

// Store discards the message and returns a successful receipt.
func (NullStorage) Store(_ context.Context, _ Meta, data []byte) (StorageReceipt, error) {
	return StorageReceipt{
		MessageID:    "null",
		BytesWritten: ByteCount(len(data)),
	}, nil
}
