package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lumenclass/aigateway/internal/crypto"
)

// BatchInserter is the interface used by Collector to persist records.
// It exists to allow testing without a real database.
type BatchInserter interface {
	BatchInsert(ctx context.Context, records []Record) error
}

// Collector buffers usage records in memory and periodically flushes them to
// the store in batches. It is safe for concurrent use.
type Collector struct {
	store         BatchInserter
	cipher        *crypto.Cipher
	buffer        []Record
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	done          chan struct{}
}

// NewCollector creates a Collector that flushes to the given store when the
// buffer reaches batchSize or every flushInterval, whichever comes first.
// cipher may be nil, in which case prompt previews are stored in the clear.
func NewCollector(store BatchInserter, cipher *crypto.Cipher, batchSize int, flushInterval time.Duration) *Collector {
	return &Collector{
		store:         store,
		cipher:        cipher,
		buffer:        make([]Record, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
}

// Start begins a background goroutine that flushes buffered records on a
// timer. It blocks until Stop is called or the context is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-ctx.Done():
			c.flush()
			return
		case <-c.done:
			c.flush()
			return
		}
	}
}

// Record adds a usage record to the buffer, encrypting its prompt preview if
// a cipher is configured. If the buffer reaches batchSize, a flush is
// triggered immediately.
func (c *Collector) Record(rec Record) {
	if rec.PromptPreview != "" {
		enc, err := c.cipher.Encrypt(rec.PromptPreview)
		if err != nil {
			slog.Error("failed to encrypt prompt preview, dropping it",
				"request_id", rec.RequestID, "error", err)
			rec.PromptPreview = ""
		} else {
			rec.PromptPreview = enc
		}
	}

	c.mu.Lock()
	c.buffer = append(c.buffer, rec)
	shouldFlush := len(c.buffer) >= c.batchSize
	c.mu.Unlock()

	if shouldFlush {
		c.flush()
	}
}

// flush drains all buffered records and writes them to the store. It logs
// errors rather than returning them so callers are not blocked.
func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]Record, 0, c.batchSize)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.store.BatchInsert(ctx, batch); err != nil {
		slog.Error("failed to flush usage records", "count", len(batch), "error", err)
	}
}

// Stop signals the background goroutine to exit and performs a final flush.
func (c *Collector) Stop() {
	close(c.done)
}
