package storage

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	cause := errors.New("dial tcp 127.0.0.1:9000: connection refused")

	conn := WrapConnectionError("Ping", cause)
	if !IsConnectionError(conn) {
		t.Errorf("IsConnectionError(%v) = false", conn)
	}
	if !strings.Contains(conn.Error(), "storage.Ping") {
		t.Errorf("error text = %q", conn.Error())
	}

	query := WrapQueryError("Events", "events", cause)
	if IsConnectionError(query) {
		t.Errorf("query error classified as a connection error: %v", query)
	}
	if !errors.Is(query, ErrQueryFailed) {
		t.Errorf("errors.Is(%v, ErrQueryFailed) = false", query)
	}

	var se *StorageError
	if !errors.As(query, &se) || se.Table != "events" {
		t.Errorf("errors.As StorageError = %+v", se)
	}
}
