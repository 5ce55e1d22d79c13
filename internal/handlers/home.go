package handlers

import (
	"log/slog"
	"net/http"

	"github.com/medcortex/records-web-ui/internal/models"
)

type homePageData struct {
	Patients        []models.Patient
	ActivePatientID string
	Conversations   []models.Conversation
	Messages        []messageView
	IsStreaming     bool
}

// HandleHome renders the chat page: the account's patient profiles, the active
// patient's archived conversations, and the current transcript with assistant
// markdown rendered to HTML.
func (m *Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	patients, err := m.records.Patients(r.Context())
	if err != nil {
		// The chat is still usable without the profile list, so degrade instead of failing.
		m.logger.Error("Failed to list patients", slog.String(errLoggerKey, err.Error()))
	}

	patientID := m.orchestrator.PatientID()
	conversations, err := m.archive.Conversations(r.Context(), patientID)
	if err != nil {
		m.logger.Error("Failed to list conversations",
			slog.String("patientID", patientID),
			slog.String(errLoggerKey, err.Error()))
	}

	transcript := m.orchestrator.Messages()
	views := make([]messageView, 0, len(transcript))
	for _, msg := range transcript {
		content, err := m.renderMarkdown(msg.Content)
		if err != nil {
			m.logger.Error("Failed to render message",
				slog.String("messageID", msg.ID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		views = append(views, messageView{
			ID:        msg.ID,
			Role:      string(msg.Role),
			Content:   content,
			Images:    msg.Images,
			Timestamp: msg.Timestamp,
		})
	}

	data := homePageData{
		Patients:        patients,
		ActivePatientID: patientID,
		Conversations:   conversations,
		Messages:        views,
		IsStreaming:     m.orchestrator.IsStreaming(),
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
