package realtime

import (
	"testing"
	"time"
)

func TestNewULID_SortsInMintOrderWithinAMillisecond(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	prev := ""
	for i := 0; i < 100; i++ {
		id, err := NewMessageID(now)
		if err != nil {
			t.Fatalf("NewMessageID: %v", err)
		}
		if len(id) != 26 {
			t.Fatalf("len=%d want 26", len(id))
		}
		if id <= prev {
			t.Fatalf("id %d not increasing: %s <= %s", i, id, prev)
		}
		prev = id
	}
}

func TestNewConnID_ZeroTime(t *testing.T) {
	t.Parallel()

	if id := NewConnID(time.Time{}); len(id) != 26 {
		t.Fatalf("conn id=%q", id)
	}
}
