package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/medcortex/records-web-ui/internal/chat"
	"github.com/medcortex/records-web-ui/internal/models"
	"github.com/medcortex/records-web-ui/internal/services"
	"github.com/medcortex/records-web-ui/internal/upload"
)

const maxUploadBytes = 256 << 20

// HandleChats accepts one chat action: a typed question, an uploaded study, or both.
// The attached file (if any) is classified by name and MIME type and routed to the
// matching backend pipeline; a typed message doubles as the analysis prompt override
// for uploads. The turn itself runs asynchronously, and its transcript updates reach
// the browser through the SSE stream, so a successful request only acknowledges
// acceptance.
func (m *Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		m.logger.Error("Failed to parse form", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	msg := strings.TrimSpace(r.FormValue("message"))
	file, hasFile, err := formUpload(r, "attachment")
	if err != nil {
		m.logger.Error("Failed to read attachment", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Failed to read attachment", http.StatusBadRequest)
		return
	}

	if msg == "" && !hasFile {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	// Best-effort early rejection; the orchestrator still guards against the race.
	if m.orchestrator.IsStreaming() {
		http.Error(w, "A response is still in progress", http.StatusConflict)
		return
	}

	patientID := m.orchestrator.PatientID()
	m.maybeTitleConversation(patientID, msg, file, hasFile)

	if !hasFile {
		go m.runTurn(func() error {
			return m.orchestrator.Send(context.Background(), msg)
		})
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch kind := upload.Classify(file.Filename, file.ContentType); kind {
	case upload.KindDICOM, upload.KindVolume:
		go m.runTurn(func() error {
			return m.orchestrator.SendVolume(context.Background(), file, msg)
		})
	case upload.KindWSI:
		go m.runTurn(func() error {
			return m.orchestrator.SendWSI(context.Background(), file, msg)
		})
	case upload.KindImage:
		if !m.routeImage(w, r, patientID, file, msg) {
			return
		}
	case upload.KindDocument:
		go m.uploadDocument(patientID, file)
	default:
		m.logger.Error("Unhandled upload kind", slog.String("kind", string(kind)))
		http.Error(w, "Unsupported file", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// HandleSelectPatient switches the active patient profile. This is a hard cutover:
// the orchestrator cancels any in-flight turn, the transcript is reseeded, and a
// fresh conversation is opened in the archive.
func (m *Main) HandleSelectPatient(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	patientID := r.FormValue("patient_id")
	if patientID == "" {
		http.Error(w, "patient_id is required", http.StatusBadRequest)
		return
	}

	// The archive must point at the new conversation before SetPatient notifies the
	// new greeting, or the greeting is written into the old patient's conversation.
	if err := m.startConversation(patientID); err != nil {
		m.logger.Error("Failed to start conversation",
			slog.String("patientID", patientID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	m.orchestrator.SetPatient(patientID)

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// routeImage decides between the three image workflows: explicit localization,
// automatic chest X-ray comparison when a prior study is attached, and plain vision
// analysis for everything else. It reports whether the action was accepted; on
// failure the error response has already been written.
func (m *Main) routeImage(w http.ResponseWriter, r *http.Request, patientID string, file models.Upload, msg string) bool {
	if r.FormValue("mode") == "localize" {
		go m.localize(patientID, file, msg)
		return true
	}

	prior, hasPrior, err := formUpload(r, "prior")
	if err != nil {
		m.logger.Error("Failed to read prior study", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Failed to read prior study", http.StatusBadRequest)
		return false
	}

	if upload.IsCXRFilename(file.Filename) && hasPrior {
		go m.runTurn(func() error {
			return m.orchestrator.SendCXRCompare(context.Background(), file, prior, msg)
		})
		return true
	}

	go m.runTurn(func() error {
		return m.orchestrator.SendVision(context.Background(), file, msg)
	})
	return true
}

// runTurn executes one orchestrator turn and reports its failure to connected
// browsers. Plain sends already report through the orchestrator's error hook; the
// multimodal entry points return their errors instead, which end up here.
func (m *Main) runTurn(send func() error) {
	if err := send(); err != nil {
		m.logger.Error("Turn failed", slog.String(errLoggerKey, err.Error()))
		m.publishError(err)
	}
}

// uploadDocument runs the duplicate-aware document path and reports the three-way
// outcome into the transcript. A duplicate under another profile is a hard failure:
// documents are isolated between the account's patient profiles. Every transcript
// write re-checks that patientID is still the active profile; after a switch the
// outcome belongs to the old transcript and is dropped.
func (m *Main) uploadDocument(patientID string, file models.Upload) {
	pushed := m.orchestrator.PushMessageFor(patientID, models.Message{
		Role:    models.RoleUser,
		Content: file.Filename,
		Images:  []string{file.Filename},
	})
	if !pushed {
		return
	}

	res, err := m.uploader.Upload(context.Background(), patientID, file)
	if err != nil {
		m.logger.Error("Document upload failed",
			slog.String("filename", file.Filename),
			slog.String(errLoggerKey, err.Error()))
		pushed := m.orchestrator.PushMessageFor(patientID, models.Message{
			Role:    models.RoleAssistant,
			Content: fmt.Sprintf("I couldn't upload **%s**. Please try again.", file.Filename),
		})
		if pushed {
			m.publishError(err)
		}
		return
	}

	var content string
	switch res.Kind {
	case upload.ResolutionUploaded:
		content = fmt.Sprintf("I've added **%s** to the records. It will show up on the dashboard once processing finishes.", file.Filename)
	case upload.ResolutionDuplicateSame:
		content = fmt.Sprintf("**%s** is already in this profile's records, so I'm reusing the existing document.", file.Filename)
	case upload.ResolutionDuplicateOther:
		content = fmt.Sprintf("**%s** already exists under a different patient profile. "+
			"Documents can't be shared between profiles; please upload it from that profile instead.", file.Filename)
	}
	pushed = m.orchestrator.PushMessageFor(patientID, models.Message{
		Role:    models.RoleAssistant,
		Content: content,
	})
	if pushed && res.Kind == upload.ResolutionDuplicateOther {
		m.publishError(fmt.Errorf("document %d belongs to a different profile", res.DocumentID))
	}
}

// localize posts the image for bounding-box detection and pushes a readable summary
// of the regions into the transcript. This path has no streaming placeholder; the
// summary is appended once the result is in, and only while patientID is still the
// active profile.
func (m *Main) localize(patientID string, file models.Upload, promptOverride string) {
	prompt := promptOverride
	if prompt == "" {
		prompt = chat.DefaultLocalizePrompt
	}

	pushed := m.orchestrator.PushMessageFor(patientID, models.Message{
		Role:    models.RoleUser,
		Content: file.Filename,
		Images:  []string{file.Filename},
	})
	if !pushed {
		return
	}

	boxes, err := m.records.Localize(context.Background(), patientID, prompt, file)
	if err != nil {
		m.logger.Error("Localization failed",
			slog.String("filename", file.Filename),
			slog.String(errLoggerKey, err.Error()))
		pushed := m.orchestrator.PushMessageFor(patientID, models.Message{
			Role:    models.RoleAssistant,
			Content: fmt.Sprintf("I couldn't localize findings in **%s**. Please try again.", file.Filename),
		})
		if pushed {
			m.publishError(err)
		}
		return
	}

	m.orchestrator.PushMessageFor(patientID, models.Message{
		Role:    models.RoleAssistant,
		Content: summarizeBoxes(file.Filename, boxes),
	})
}

// maybeTitleConversation kicks off title generation after the conversation's first
// user action.
func (m *Main) maybeTitleConversation(patientID, msg string, file models.Upload, hasFile bool) {
	m.mu.Lock()
	if m.titled {
		m.mu.Unlock()
		return
	}
	m.titled = true
	convID := m.conversationID
	m.mu.Unlock()

	seed := msg
	if seed == "" && hasFile {
		seed = file.Filename
	}
	go m.generateConversationTitle(convID, patientID, seed)
}

func summarizeBoxes(filename string, boxes []services.Box) string {
	if len(boxes) == 0 {
		return fmt.Sprintf("I didn't find any localizable findings in **%s**.", filename)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "I found %d region(s) of interest in **%s**:\n\n", len(boxes), filename)
	for _, box := range boxes {
		fmt.Fprintf(&sb, "- **%s** (confidence %.0f%%) at x=%.2f, y=%.2f, %.2f×%.2f\n",
			box.Label, box.Confidence*100, box.X, box.Y, box.Width, box.Height)
	}
	return sb.String()
}

// formUpload pulls one uploaded file out of the multipart form and buffers it, since
// the turn that sends it outlives the request body.
func formUpload(r *http.Request, field string) (models.Upload, bool, error) {
	f, header, err := r.FormFile(field)
	if err != nil {
		if err == http.ErrMissingFile {
			return models.Upload{}, false, nil
		}
		return models.Upload{}, false, err
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return models.Upload{}, false, err
	}

	return models.Upload{
		Filename:    header.Filename,
		ContentType: partContentType(header),
		Content:     bytes.NewReader(content),
	}, true, nil
}

func partContentType(header *multipart.FileHeader) string {
	return header.Header.Get("Content-Type")
}
