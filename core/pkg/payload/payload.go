// Package payload defines the opaque message container the broker routes.
package payload

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Payload is the unit of data the broker dispatches to targets and fans
// out to subscribers. ID is generated at creation and never reassigned;
// Timestamp defaults to creation time but the caller may overwrite it;
// CorrelationID defaults to empty.
type Payload struct {
	ID            string
	Timestamp     int64
	CorrelationID string
	Bytes         []byte
}

// New creates a Payload with a freshly generated ID and the current
// wall-clock time in milliseconds.
func New(bytes []byte) *Payload {
	return &Payload{
		ID:        newID(),
		Timestamp: time.Now().UnixMilli(),
		Bytes:     bytes,
	}
}

// WithCorrelationID returns p after setting CorrelationID, for chained
// construction at call sites.
func (p *Payload) WithCorrelationID(id string) *Payload {
	p.CorrelationID = id
	return p
}

// WithTimestamp returns p after overwriting Timestamp.
func (p *Payload) WithTimestamp(ms int64) *Payload {
	p.Timestamp = ms
	return p
}

func newID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
