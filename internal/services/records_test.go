package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/medcortex/records-web-ui/internal/models"
	"github.com/medcortex/records-web-ui/internal/services"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSession() models.Session {
	return models.Session{Token: "test-token", AccountID: "account-1"}
}

func TestAsk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/v1/chat/ask" {
			t.Errorf("path = %s, want /api/v1/chat/ask", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("authorization = %q, want bearer token", got)
		}

		var req struct {
			PatientID string `json:"patient_id"`
			Question  string `json:"question"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.PatientID != "patient-1" || req.Question != "Summarize recent labs" {
			t.Errorf("request = %+v", req)
		}

		_ = json.NewEncoder(w).Encode(map[string]string{"answer": "A1C is 5.4%"})
	}))
	defer srv.Close()

	records := services.NewRecords(srv.URL, testSession(), testLogger())

	answer, err := records.Ask(context.Background(), "patient-1", "Summarize recent labs")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if answer != "A1C is 5.4%" {
		t.Errorf("Ask() = %q, want %q", answer, "A1C is 5.4%")
	}
}

func TestAskErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "session expired", http.StatusUnauthorized)
	}))
	defer srv.Close()

	records := services.NewRecords(srv.URL, testSession(), testLogger())

	_, err := records.Ask(context.Background(), "patient-1", "anything")
	if err == nil {
		t.Fatal("Ask() error = nil, want non-nil")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("Ask() error = %v, want status code mentioned", err)
	}
}

func TestStreamChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chat/stream" {
			t.Errorf("path = %s, want /api/v1/chat/stream", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"chunk\":\"You are \"}\n\n")
		_, _ = io.WriteString(w, "data: {\"chunk\":\"on Metformin.\"}\n\n")
		_, _ = io.WriteString(w, "data: {\"is_complete\":true}\n\n")
	}))
	defer srv.Close()

	records := services.NewRecords(srv.URL, testSession(), testLogger())

	var chunks []string
	for chunk, err := range records.StreamChat(context.Background(), "patient-1", "What medications am I on?") {
		if err != nil {
			t.Fatalf("StreamChat() error = %v", err)
		}
		chunks = append(chunks, chunk)
	}

	want := []string{"You are ", "on Metformin."}
	if !reflect.DeepEqual(chunks, want) {
		t.Errorf("StreamChat() chunks = %v, want %v", chunks, want)
	}
}

func TestVision(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chat/vision" {
			t.Errorf("path = %s, want /api/v1/chat/vision", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("failed to parse multipart form: %v", err)
		}
		if got := r.FormValue("patient_id"); got != "patient-1" {
			t.Errorf("patient_id = %q, want patient-1", got)
		}
		if got := r.FormValue("prompt"); got != "Describe this image." {
			t.Errorf("prompt = %q", got)
		}
		f, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("missing file part: %v", err)
		}
		defer f.Close()
		if header.Filename != "wound.png" {
			t.Errorf("filename = %q, want wound.png", header.Filename)
		}

		_ = json.NewEncoder(w).Encode(map[string]string{"answer": "Healing well."})
	}))
	defer srv.Close()

	records := services.NewRecords(srv.URL, testSession(), testLogger())

	answer, err := records.Vision(context.Background(), "patient-1", "Describe this image.", models.Upload{
		Filename:    "wound.png",
		ContentType: "image/png",
		Content:     strings.NewReader("png bytes"),
	})
	if err != nil {
		t.Fatalf("Vision() error = %v", err)
	}
	if answer != "Healing well." {
		t.Errorf("Vision() = %q, want %q", answer, "Healing well.")
	}
}

func TestCXRCompareSendsBothFiles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chat/cxr/compare" {
			t.Errorf("path = %s, want /api/v1/chat/cxr/compare", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("failed to parse multipart form: %v", err)
		}
		for _, field := range []string{"current", "prior"} {
			if _, _, err := r.FormFile(field); err != nil {
				t.Errorf("missing %s part: %v", field, err)
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"answer": "No interval change."})
	}))
	defer srv.Close()

	records := services.NewRecords(srv.URL, testSession(), testLogger())

	answer, err := records.CXRCompare(context.Background(), "patient-1", "Compare.",
		models.Upload{Filename: "cxr_now.png", ContentType: "image/png", Content: strings.NewReader("a")},
		models.Upload{Filename: "cxr_prior.png", ContentType: "image/png", Content: strings.NewReader("b")},
	)
	if err != nil {
		t.Fatalf("CXRCompare() error = %v", err)
	}
	if answer != "No interval change." {
		t.Errorf("CXRCompare() = %q", answer)
	}
}

func TestLocalize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chat/localize" {
			t.Errorf("path = %s, want /api/v1/chat/localize", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"boxes": []map[string]any{
				{"label": "nodule", "x": 0.4, "y": 0.3, "width": 0.1, "height": 0.1, "confidence": 0.92},
			},
		})
	}))
	defer srv.Close()

	records := services.NewRecords(srv.URL, testSession(), testLogger())

	boxes, err := records.Localize(context.Background(), "patient-1", "Find nodules.", models.Upload{
		Filename:    "cxr.png",
		ContentType: "image/png",
		Content:     strings.NewReader("png bytes"),
	})
	if err != nil {
		t.Fatalf("Localize() error = %v", err)
	}
	if len(boxes) != 1 || boxes[0].Label != "nodule" {
		t.Errorf("Localize() boxes = %+v", boxes)
	}
}

func TestUploadDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/documents/upload" {
			t.Errorf("path = %s, want /api/v1/documents/upload", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]int64{"id": 7})
	}))
	defer srv.Close()

	records := services.NewRecords(srv.URL, testSession(), testLogger())

	id, err := records.UploadDocument(context.Background(), "patient-1", models.Upload{
		Filename:    "lab_report.pdf",
		ContentType: "application/pdf",
		Content:     strings.NewReader("pdf bytes"),
	})
	if err != nil {
		t.Fatalf("UploadDocument() error = %v", err)
	}
	if id != 7 {
		t.Errorf("UploadDocument() = %d, want 7", id)
	}
}

func TestUploadDocumentConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"detail":"Document already exists with ID 42"}`)
	}))
	defer srv.Close()

	records := services.NewRecords(srv.URL, testSession(), testLogger())

	_, err := records.UploadDocument(context.Background(), "patient-1", models.Upload{
		Filename:    "lab_report.pdf",
		ContentType: "application/pdf",
		Content:     strings.NewReader("pdf bytes"),
	})

	var conflict *services.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("UploadDocument() error = %v, want *ConflictError", err)
	}
	if conflict.ExistingID != 42 {
		t.Errorf("ConflictError.ExistingID = %d, want 42", conflict.ExistingID)
	}
}

func TestUploadDocumentUnrelatedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "storage quota exceeded", http.StatusInsufficientStorage)
	}))
	defer srv.Close()

	records := services.NewRecords(srv.URL, testSession(), testLogger())

	_, err := records.UploadDocument(context.Background(), "patient-1", models.Upload{
		Filename:    "lab_report.pdf",
		ContentType: "application/pdf",
		Content:     strings.NewReader("pdf bytes"),
	})

	var conflict *services.ConflictError
	if errors.As(err, &conflict) {
		t.Fatalf("UploadDocument() error = %v, want a plain error", err)
	}
	if err == nil || !strings.Contains(err.Error(), "storage quota exceeded") {
		t.Errorf("UploadDocument() error = %v, want original body preserved", err)
	}
}

func TestDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/documents/42" {
			t.Errorf("path = %s, want /api/v1/documents/42", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(models.Document{ID: 42, PatientID: "patient-2", Filename: "lab_report.pdf"})
	}))
	defer srv.Close()

	records := services.NewRecords(srv.URL, testSession(), testLogger())

	doc, err := records.Document(context.Background(), 42)
	if err != nil {
		t.Fatalf("Document() error = %v", err)
	}
	if doc.PatientID != "patient-2" {
		t.Errorf("Document().PatientID = %q, want patient-2", doc.PatientID)
	}
}

func TestPatients(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/patients" {
			t.Errorf("path = %s, want /api/v1/patients", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode([]models.Patient{
			{ID: "patient-1", Name: "Alice"},
			{ID: "patient-2", Name: "Bob"},
		})
	}))
	defer srv.Close()

	records := services.NewRecords(srv.URL, testSession(), testLogger())

	patients, err := records.Patients(context.Background())
	if err != nil {
		t.Fatalf("Patients() error = %v", err)
	}
	if len(patients) != 2 || patients[0].Name != "Alice" {
		t.Errorf("Patients() = %+v", patients)
	}
}
