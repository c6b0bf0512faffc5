package storage

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"ghostwall/internal/event"
)

// QuarantineWriter stores events that failed validation.
type QuarantineWriter struct {
	client *ClickHouseClient
}

// NewQuarantineWriter creates a new QuarantineWriter.
func NewQuarantineWriter(client *ClickHouseClient) *QuarantineWriter {
	return &QuarantineWriter{client: client}
}

// Write stores a rejected event with the validation error.
func (qw *QuarantineWriter) Write(ctx context.Context, ev event.Event, verr error) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		raw = []byte("{}")
	}
	msg := ""
	if verr != nil {
		msg = verr.Error()
	}
	if err := qw.client.Exec(ctx, `
		INSERT INTO events_quarantine (quarantine_id, src_ip, raw_event, validation_error)
		VALUES (?, ?, ?, ?)`,
		uuid.New(), ev.SrcIP, string(raw), msg,
	); err != nil {
		return WrapQueryError("Insert", "events_quarantine", err)
	}
	return nil
}
