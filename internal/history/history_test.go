package history

import (
	"context"
	"fmt"
	"testing"

	"github.com/civiq/civiq-go/internal/metadata"
)

// openTestStore opens a history Store backed by an in-memory database.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := metadata.Open(":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func Test_History_AppendAndRecent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, "sess-a", RoleUser, "hello"); err != nil {
		t.Fatalf("append user: %v", err)
	}
	if _, err := s.Append(ctx, "sess-a", RoleAssistant, "world"); err != nil {
		t.Fatalf("append assistant: %v", err)
	}

	msgs, err := s.Recent(ctx, "sess-a", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("want 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[0].Content != "hello" {
		t.Errorf("msg[0]: want user/hello, got %s/%s", msgs[0].Role, msgs[0].Content)
	}
	if msgs[1].Role != RoleAssistant || msgs[1].Content != "world" {
		t.Errorf("msg[1]: want assistant/world, got %s/%s", msgs[1].Role, msgs[1].Content)
	}
	if msgs[0].ID == "" || msgs[0].ID == msgs[1].ID {
		t.Error("messages must carry distinct ids")
	}
}

func Test_History_RecentLimitRespected(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	for i := range 6 {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		if _, err := s.Append(ctx, "sess-b", role, "msg"); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	msgs, err := s.Recent(ctx, "sess-b", 4)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 4 {
		t.Errorf("want 4 messages, got %d", len(msgs))
	}
}

func Test_History_SessionIsolation(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, "sess-x", RoleUser, "from x"); err != nil {
		t.Fatalf("append x: %v", err)
	}
	if _, err := s.Append(ctx, "sess-y", RoleUser, "from y"); err != nil {
		t.Fatalf("append y: %v", err)
	}

	msgsX, err := s.Recent(ctx, "sess-x", 10)
	if err != nil {
		t.Fatalf("recent x: %v", err)
	}
	msgsY, err := s.Recent(ctx, "sess-y", 10)
	if err != nil {
		t.Fatalf("recent y: %v", err)
	}

	if len(msgsX) != 1 || msgsX[0].Content != "from x" {
		t.Errorf("session x isolation failed: got %v", msgsX)
	}
	if len(msgsY) != 1 || msgsY[0].Content != "from y" {
		t.Errorf("session y isolation failed: got %v", msgsY)
	}
}

// Test_History_InsertionOrderSurvivesEqualTimestamps appends many messages
// fast enough that created_at collides at millisecond resolution, and checks
// Recent still returns exact insertion order. Ordering by timestamp alone
// would scramble the user/assistant pairs written by the orchestrator.
func Test_History_InsertionOrderSurvivesEqualTimestamps(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	const turns = 20
	var want []string
	for i := range turns {
		q := fmt.Sprintf("question %d", i)
		a := fmt.Sprintf("answer %d", i)
		if _, err := s.Append(ctx, "sess-burst", RoleUser, q); err != nil {
			t.Fatalf("append user: %v", err)
		}
		if _, err := s.Append(ctx, "sess-burst", RoleAssistant, a); err != nil {
			t.Fatalf("append assistant: %v", err)
		}
		want = append(want, q, a)
	}

	msgs, err := s.Recent(ctx, "sess-burst", turns*2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != len(want) {
		t.Fatalf("want %d messages, got %d", len(want), len(msgs))
	}
	for i, w := range want {
		if msgs[i].Content != w {
			t.Fatalf("msg[%d]: want %q, got %q", i, w, msgs[i].Content)
		}
	}
}

func Test_History_OldestFirstOrdering(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	contents := []string{"first", "second", "third"}
	for _, c := range contents {
		if _, err := s.Append(ctx, "sess-order", RoleUser, c); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	msgs, err := s.Recent(ctx, "sess-order", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	for i, want := range contents {
		if msgs[i].Content != want {
			t.Errorf("msg[%d]: want %q, got %q", i, want, msgs[i].Content)
		}
	}
}
