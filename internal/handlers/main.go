package handlers

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	recordswebui "github.com/medcortex/records-web-ui"
	"github.com/medcortex/records-web-ui/internal/chat"
	"github.com/medcortex/records-web-ui/internal/models"
	"github.com/medcortex/records-web-ui/internal/services"
	"github.com/medcortex/records-web-ui/internal/upload"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	highlighting "github.com/yuin/goldmark-highlighting"
)

// RecordsClient is the slice of the records backend the web layer calls directly,
// outside the orchestrator's turn machinery.
type RecordsClient interface {
	Patients(ctx context.Context) ([]models.Patient, error)
	Localize(ctx context.Context, patientID, prompt string, file models.Upload) ([]services.Box, error)
}

// Uploader resolves duplicate-aware document creation. Refer to upload.Uploader for
// the production implementation.
type Uploader interface {
	Upload(ctx context.Context, patientID string, file models.Upload) (upload.Resolution, error)
}

// Archive persists completed conversations per patient profile so they stay
// browsable after the active transcript is reset.
type Archive interface {
	Conversations(ctx context.Context, patientID string) ([]models.Conversation, error)
	AddConversation(ctx context.Context, conv models.Conversation) (string, error)
	UpdateConversation(ctx context.Context, conv models.Conversation) error
	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	AddMessage(ctx context.Context, conversationID string, message models.Message) error
	UpdateMessage(ctx context.Context, conversationID string, message models.Message) error
}

// TitleGenerator produces a short title for an archived conversation from its first
// user message. Implementations may call a local or hosted model; a nil generator
// falls back to truncating the message.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, message string) (string, error)
}

// Main handles the core functionality of the records chat UI, managing server-sent
// events, HTML templates, and the interactions between the orchestrator, the upload
// router, and the conversation archive.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	markdown  goldmark.Markdown

	orchestrator *chat.Orchestrator
	records      RecordsClient
	uploader     Uploader
	archive      Archive
	titleGen     TitleGenerator

	logger *slog.Logger

	mu             sync.Mutex
	conversationID string
	titled         bool
	seenMessages   map[string]bool
}

// SSE event types for real-time updates.
var (
	messagesSSEType = sse.Type("messages")
	errorsSSEType   = sse.Type("error")
)

const (
	transcriptSSETopic = "transcript"

	errLoggerKey = "err"
)

// NewMain creates a Main instance wired to the given collaborators. It parses the
// embedded templates, configures the SSE server's topics, and hooks the orchestrator
// so every transcript mutation is archived and pushed to connected browsers.
func NewMain(
	orchestrator *chat.Orchestrator,
	records RecordsClient,
	uploader Uploader,
	archive Archive,
	titleGen TitleGenerator,
	logger *slog.Logger,
) (*Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		recordswebui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return nil, err
	}

	m := &Main{
		templates: tmpl,
		markdown: goldmark.New(goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(highlighting.WithStyle("monokai")),
		)),
		orchestrator: orchestrator,
		records:      records,
		uploader:     uploader,
		archive:      archive,
		titleGen:     titleGen,
		logger:       logger.With(slog.String("module", "handlers")),
		seenMessages: map[string]bool{},
	}

	m.sseSrv = &sse.Server{
		OnSession: func(s *sse.Session) (sse.Subscription, bool) {
			// We start with default topics that all clients should subscribe to
			topics := []string{sse.DefaultTopic, transcriptSSETopic}

			// We create a message-specific topic if the client requests updates for a particular message
			messageID := s.Req.URL.Query().Get("message_id")
			if messageID != "" {
				topics = append(topics, messageIDTopic(messageID))
			}

			return sse.Subscription{
				Client:      s,
				LastEventID: s.LastEventID,
				Topics:      topics,
			}, true
		},
	}

	orchestrator.OnUpdate = m.onTranscriptUpdate
	orchestrator.OnError = m.publishError

	if err := m.startConversation(orchestrator.PatientID()); err != nil {
		return nil, fmt.Errorf("failed to start conversation: %w", err)
	}

	return m, nil
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

// Shutdown gracefully terminates the Main instance's SSE server. It broadcasts a
// close message to all connected clients and waits up to 5 seconds for connections to
// terminate. After the timeout, any remaining connections are forcefully closed.
func (m *Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeChat")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// HandleSSE serves the event stream browsers subscribe to for transcript updates.
func (m *Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// startConversation opens a fresh archive record for the given patient and resets the
// write-through bookkeeping. The orchestrator's greeting message is archived on its
// next update.
func (m *Main) startConversation(patientID string) error {
	newID, err := m.archive.AddConversation(context.Background(), models.Conversation{
		ID:        uuid.New().String(),
		PatientID: patientID,
		StartedAt: time.Now(),
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.conversationID = newID
	m.titled = false
	m.seenMessages = map[string]bool{}
	m.mu.Unlock()
	return nil
}

// onTranscriptUpdate is installed as the orchestrator's update hook: it writes the
// mutated message through to the archive and pushes its rendered form to connected
// browsers, both per-message (for streaming growth) and on the shared transcript
// topic (for appends).
func (m *Main) onTranscriptUpdate(msg models.Message) {
	m.mu.Lock()
	convID := m.conversationID
	seen := m.seenMessages[msg.ID]
	m.seenMessages[msg.ID] = true
	m.mu.Unlock()

	ctx := context.Background()
	var err error
	if seen {
		err = m.archive.UpdateMessage(ctx, convID, msg)
	} else {
		err = m.archive.AddMessage(ctx, convID, msg)
	}
	if err != nil {
		m.logger.Error("Failed to archive message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
	}

	rendered, err := m.renderMessage(msg, !seen)
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	e := sse.Message{Type: messagesSSEType}
	e.AppendData(rendered)
	if err := m.sseSrv.Publish(&e, transcriptSSETopic, messageIDTopic(msg.ID)); err != nil {
		m.logger.Error("Failed to publish message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m *Main) publishError(err error) {
	e := sse.Message{Type: errorsSSEType}
	e.AppendData(err.Error())
	if pubErr := m.sseSrv.Publish(&e, transcriptSSETopic); pubErr != nil {
		m.logger.Error("Failed to publish error",
			slog.String(errLoggerKey, pubErr.Error()))
	}
}

// generateConversationTitle runs once per conversation, after its first user
// message. Without a configured generator the title is the truncated message.
func (m *Main) generateConversationTitle(conversationID, patientID, message string) {
	title := truncateTitle(message)
	if m.titleGen != nil {
		generated, err := m.titleGen.GenerateTitle(context.Background(), message)
		if err != nil {
			m.logger.Error("Error generating conversation title",
				slog.String("message", message),
				slog.String(errLoggerKey, err.Error()))
		} else if generated != "" {
			title = strings.TrimSpace(generated)
		}
	}

	if err := m.archive.UpdateConversation(context.Background(), models.Conversation{
		ID:        conversationID,
		PatientID: patientID,
		Title:     title,
	}); err != nil {
		m.logger.Error("Failed to update conversation title",
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m *Main) renderMessage(msg models.Message, isNew bool) (string, error) {
	content, err := m.renderMarkdown(msg.Content)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	tmplName := "ai_message"
	if msg.Role == models.RoleUser {
		tmplName = "user_message"
	}
	err = m.templates.ExecuteTemplate(&sb, tmplName, messageView{
		ID:        msg.ID,
		Role:      string(msg.Role),
		Content:   content,
		Images:    msg.Images,
		Timestamp: msg.Timestamp,
		IsNew:     isNew,
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (m *Main) renderMarkdown(content string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := m.markdown.Convert([]byte(content), &buf); err != nil {
		return "", err
	}
	// Raw HTML in message content is escaped by the renderer, not passed through.
	return template.HTML(buf.String()), nil
}

type messageView struct {
	ID        string
	Role      string
	Content   template.HTML
	Images    []string
	Timestamp time.Time
	IsNew     bool
}

func truncateTitle(message string) string {
	const maxLen = 48
	message = strings.TrimSpace(message)
	runes := []rune(message)
	if len(runes) <= maxLen {
		return message
	}
	return strings.TrimSpace(string(runes[:maxLen])) + "…"
}
