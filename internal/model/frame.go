package model

import "time"

// Frame is an opaque byte payload produced by a Stream. It is reference-
// shared across subscribers and dropped once the ring evicts it and no
// subscriber still holds a reference.
type Frame struct {
	Payload    []byte
	ReceivedAt time.Time
	Sequence   uint64
}

// BatchOperation is the result of a batch call across N cameras: connect_many, disconnect_all. Every camera in the batch gets
// exactly one entry in Results and, on failure, one entry in Errors.
type BatchOperation struct {
	OpID        string
	Results     map[string]bool
	Errors      map[string]string
	SuccessRate float64
}

// NewBatchOperation builds an empty BatchOperation ready to be filled in
// by the caller as each camera's outcome resolves.
func NewBatchOperation(opID string) *BatchOperation {
	return &BatchOperation{
		OpID:    opID,
		Results: make(map[string]bool),
		Errors:  make(map[string]string),
	}
}

// Finalize computes SuccessRate from the accumulated Results. Must be
// called once after every camera in the batch has reported its outcome;
// len(Results) == number of cameras in the batch is the invariant callers
// rely on.
func (b *BatchOperation) Finalize() {
	if len(b.Results) == 0 {
		b.SuccessRate = 0
		return
	}
	successes := 0
	for _, ok := range b.Results {
		if ok {
			successes++
		}
	}
	b.SuccessRate = 100 * float64(successes) / float64(len(b.Results))
}
