package capture

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func openTestLog(t *testing.T, maxRecords int) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "capture.db"), maxRecords)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func waitStored(t *testing.T, l *Log, want int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for l.Stored() < want {
		if time.Now().After(deadline) {
			t.Fatalf("writer stored %d records, want %d", l.Stored(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLog_AppendAndRecent(t *testing.T) {
	l := openTestLog(t, 100)

	l.Append(Record{
		ReceivedAt: time.Now(),
		RemoteAddr: "10.0.0.1:1234",
		Encoding:   "utf-8",
		Valid:      true,
		Payload:    `{"post_type":"message"}`,
	})
	l.Append(Record{
		ReceivedAt: time.Now(),
		Encoding:   "gbk",
		Valid:      false,
		Diagnostic: `{"error":"JSON解析失败"}`,
		Payload:    `{"broken"`,
	})
	waitStored(t, l, 2)

	recs, err := l.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	// Newest first.
	if recs[0].Valid || recs[0].Encoding != "gbk" {
		t.Fatalf("newest record = %+v", recs[0])
	}
	if !recs[1].Valid || recs[1].RemoteAddr != "10.0.0.1:1234" {
		t.Fatalf("oldest record = %+v", recs[1])
	}
}

func TestLog_RetentionKeepsNewest(t *testing.T) {
	l := openTestLog(t, 5)

	for i := 0; i < 12; i++ {
		l.Append(Record{
			ReceivedAt: time.Now(),
			Valid:      true,
			Payload:    fmt.Sprintf(`{"n":%d}`, i),
		})
		// Serialize appends so retention order is deterministic.
		waitStored(t, l, int64(i+1))
	}

	recs, err := l.Recent(context.Background(), 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recs) != 5 {
		t.Fatalf("got %d records, want retention cap 5", len(recs))
	}
	if recs[0].Payload != `{"n":11}` {
		t.Fatalf("newest payload = %q", recs[0].Payload)
	}
	if recs[4].Payload != `{"n":7}` {
		t.Fatalf("oldest kept payload = %q", recs[4].Payload)
	}
}

func TestLog_AppendAfterCloseIsDropped(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "capture.db"), 10)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// A late handler goroutine may still try to record after shutdown.
	l.Append(Record{ReceivedAt: time.Now(), Valid: true, Payload: `{}`})

	if l.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", l.Dropped())
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestLog_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.db")

	l, err := Open(path, 10)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	l.Append(Record{ReceivedAt: time.Now(), Valid: true, Payload: `{}`})
	waitStored(t, l, 1)
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(path, 10)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	recs, err := reopened.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records after reopen, want 1", len(recs))
	}
}
