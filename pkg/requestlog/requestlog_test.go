package requestlog

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestLogDropsWhenBufferFull(t *testing.T) {
	w := &Writer{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		entries: make(chan Entry, 1),
	}

	w.Log(Entry{RequestID: uuid.New(), RequestTime: time.Now()})
	w.Log(Entry{RequestID: uuid.New(), RequestTime: time.Now()})

	if len(w.entries) != 1 {
		t.Errorf("entries buffered = %d, want 1 (second Log call should have been dropped)", len(w.entries))
	}
}

func TestLogEnqueuesWithinCapacity(t *testing.T) {
	w := &Writer{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		entries: make(chan Entry, 4),
	}

	for i := 0; i < 3; i++ {
		w.Log(Entry{RequestID: uuid.New(), RequestTime: time.Now()})
	}

	if len(w.entries) != 3 {
		t.Errorf("entries buffered = %d, want 3", len(w.entries))
	}
}
