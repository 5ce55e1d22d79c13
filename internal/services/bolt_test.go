package services_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/medcortex/records-web-ui/internal/models"
	"github.com/medcortex/records-web-ui/internal/services"
)

func newTestArchive(t *testing.T) services.BoltDB {
	t.Helper()
	db, err := services.NewBoltDB(filepath.Join(t.TempDir(), "conversations.db"))
	if err != nil {
		t.Fatalf("NewBoltDB() error = %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return db
}

func TestConversationsFilteredByPatient(t *testing.T) {
	db := newTestArchive(t)
	ctx := context.Background()

	for _, conv := range []models.Conversation{
		{ID: "a", PatientID: "patient-1", Title: "Lab questions"},
		{ID: "b", PatientID: "patient-2", Title: "Imaging review"},
		{ID: "c", PatientID: "patient-1", Title: "Medication check"},
	} {
		if _, err := db.AddConversation(ctx, conv); err != nil {
			t.Fatalf("AddConversation() error = %v", err)
		}
	}

	got, err := db.Conversations(ctx, "patient-1")
	if err != nil {
		t.Fatalf("Conversations() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(got))
	}
	// Newest first.
	if got[0].Title != "Medication check" || got[1].Title != "Lab questions" {
		t.Errorf("unexpected order: %q, %q", got[0].Title, got[1].Title)
	}
}

func TestUpdateConversationSetsTitle(t *testing.T) {
	db := newTestArchive(t)
	ctx := context.Background()

	started := time.Now().Truncate(time.Second)
	id, err := db.AddConversation(ctx, models.Conversation{ID: "a", PatientID: "patient-1", StartedAt: started})
	if err != nil {
		t.Fatalf("AddConversation() error = %v", err)
	}

	// The title arrives later with only ID and Title set; the stored start time
	// must survive the update.
	err = db.UpdateConversation(ctx, models.Conversation{ID: id, Title: "Visit summary"})
	if err != nil {
		t.Fatalf("UpdateConversation() error = %v", err)
	}

	got, err := db.Conversations(ctx, "patient-1")
	if err != nil {
		t.Fatalf("Conversations() error = %v", err)
	}
	if len(got) != 1 || got[0].Title != "Visit summary" {
		t.Fatalf("unexpected conversations %+v", got)
	}
	if !got[0].StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got[0].StartedAt, started)
	}
}

func TestMessagesRoundTrip(t *testing.T) {
	db := newTestArchive(t)
	ctx := context.Background()

	convID, err := db.AddConversation(ctx, models.Conversation{ID: "a", PatientID: "patient-1"})
	if err != nil {
		t.Fatalf("AddConversation() error = %v", err)
	}

	now := time.Now().Truncate(time.Second)
	first := models.Message{ID: "m1", Role: models.RoleUser, Content: "hello", Timestamp: now}
	second := models.Message{ID: "m2", Role: models.RoleAssistant, Content: "", Timestamp: now}
	for _, msg := range []models.Message{first, second} {
		if err := db.AddMessage(ctx, convID, msg); err != nil {
			t.Fatalf("AddMessage() error = %v", err)
		}
	}

	// The streaming path rewrites the placeholder as chunks arrive.
	second.Content = "Hi! How can I help?"
	if err := db.UpdateMessage(ctx, convID, second); err != nil {
		t.Fatalf("UpdateMessage() error = %v", err)
	}

	got, err := db.Messages(ctx, convID)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].ID != "m1" || got[0].Content != "hello" {
		t.Errorf("unexpected first message %+v", got[0])
	}
	if got[1].ID != "m2" || got[1].Content != "Hi! How can I help?" {
		t.Errorf("unexpected second message %+v", got[1])
	}
}

func TestUpdateMessageUnknownIDIgnored(t *testing.T) {
	db := newTestArchive(t)
	ctx := context.Background()

	convID, err := db.AddConversation(ctx, models.Conversation{ID: "a", PatientID: "patient-1"})
	if err != nil {
		t.Fatalf("AddConversation() error = %v", err)
	}

	err = db.UpdateMessage(ctx, convID, models.Message{ID: "missing", Content: "x"})
	if err != nil {
		t.Errorf("UpdateMessage() error = %v", err)
	}

	got, err := db.Messages(ctx, convID)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no messages, got %d", len(got))
	}
}
