// Package writebatch implements automatic batching of write operations
// (INSERT, UPDATE, DELETE) to improve database throughput.
//
// Callers pass the batching window to Manager.Enqueue directly, as a
// batch key and a batchMs wait time; batchMs 0 executes the write at once.
//
// How it works:
//  1. Write operation is added to a batch group based on its batch key
//  2. First operation in group starts a timer for batchMs milliseconds
//  3. Additional operations join the batch until timer expires or max size reached
//  4. Batch executes and each operation receives its individual result
//
// Key features:
//   - Grouping by the caller-supplied batch key
//   - Maximum batch size limit (default 1000 operations)
//   - Identical queries in a batch run through one prepared statement;
//     mixed queries run in one transaction
//   - Per-operation result delivery
package writebatch

import (
	"sync"
	"time"
)

// WriteRequest represents a single write operation to be batched
type WriteRequest struct {
	Query           string
	Params          []interface{}
	ResultChan      chan WriteResult
	EnqueuedAt      time.Time
	OnBatchComplete func(batchSize int) // Enqueue calls it only for immediate (batchMs 0) writes; batched writes never call it
	HasReturning    bool                // True if query has RETURNING clause
}

// WriteResult contains the result of a write operation
type WriteResult struct {
	AffectedRows    int64
	LastInsertID    int64
	BatchSize       int           // Not set by any execution path; always 0
	ReturningValues []interface{} // Values returned by RETURNING clause
	Error           error
}

// BatchGroup holds a group of write requests with the same batch key
type BatchGroup struct {
	BatchKey  string
	Requests  []*WriteRequest
	FirstSeen time.Time
	mu        sync.Mutex
	timer     *time.Timer
}

// Config holds configuration for the write batch manager
type Config struct {
	MaxBatchSize int // Maximum number of operations per batch (1000 default)
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		MaxBatchSize: 1000,
	}
}

// DefaultMaxBatchSize is the default maximum batch size
const DefaultMaxBatchSize = 1000
