package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/docrelay/errors"
)

// DeadLetterRecord captures a message that exhausted its retry budget.
// Records are append-only and TTL-bounded on their dead-letter stream.
type DeadLetterRecord struct {
	OriginalMessageID string         `json:"original_message_id"`
	OriginalTopic     string         `json:"original_topic"`
	Payload           map[string]any `json:"payload"`
	ErrorMessage      string         `json:"error_message"`
	RetryCount        int            `json:"retry_count"`
	FailedAt          time.Time      `json:"failed_at"`
}

// NewDeadLetterRecord builds a record from an exhausted message
func NewDeadLetterRecord(m *Message, errMsg string) *DeadLetterRecord {
	return &DeadLetterRecord{
		OriginalMessageID: m.ID,
		OriginalTopic:     m.Topic,
		Payload:           m.Payload,
		ErrorMessage:      errMsg,
		RetryCount:        m.RetryCount,
		FailedAt:          time.Now().UTC(),
	}
}

// Encode serializes the record to JSON
func (r *DeadLetterRecord) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrSerialization, err),
			"DeadLetterRecord", "Encode", "marshal record")
	}
	return data, nil
}

// DecodeDeadLetterRecord deserializes a record from JSON
func DecodeDeadLetterRecord(data []byte) (*DeadLetterRecord, error) {
	var r DeadLetterRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrSerialization, err),
			"DeadLetterRecord", "Decode", "unmarshal record")
	}
	return &r, nil
}
