package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime/multipart"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/medcortex/records-web-ui/internal/models"
)

// Records provides a client for the health-records backend's chat and document
// endpoints. All analysis of uploaded studies happens server-side; this client only
// shapes requests, decodes responses, and converts the backend's duplicate-document
// rejection into a typed error.
type Records struct {
	baseURL string
	session models.Session

	client *http.Client

	logger *slog.Logger
}

// ConflictError reports that a document with identical content already exists. The
// backend rejects duplicates instead of silently deduplicating; ExistingID is the id
// of the document that caused the rejection.
type ConflictError struct {
	ExistingID int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("document already exists with ID %d", e.ExistingID)
}

// Box is one localization result: a labeled bounding region over the submitted image,
// with coordinates normalized to the image dimensions.
type Box struct {
	Label      string  `json:"label"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Confidence float64 `json:"confidence"`
}

type askRequest struct {
	PatientID string `json:"patient_id"`
	Question  string `json:"question"`
}

type answerResponse struct {
	Answer string `json:"answer"`
}

type localizeResponse struct {
	Boxes []Box `json:"boxes"`
}

type uploadResponse struct {
	ID int64 `json:"id"`
}

var conflictPattern = regexp.MustCompile(`Document already exists with ID (\d+)`)

// NewRecords creates a Records client for the backend at baseURL, authenticating
// every request with the session's bearer token.
func NewRecords(baseURL string, session models.Session, logger *slog.Logger) Records {
	return Records{
		baseURL: strings.TrimRight(baseURL, "/"),
		session: session,
		client:  &http.Client{},
		logger:  logger.With(slog.String("module", "records")),
	}
}

// Ask sends a non-streaming question about the patient's records and returns the full
// answer in one response.
func (r Records) Ask(ctx context.Context, patientID, question string) (string, error) {
	jsonBody, err := json.Marshal(askRequest{PatientID: patientID, Question: question})
	if err != nil {
		return "", fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.baseURL+"/api/v1/chat/ask", bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	var res answerResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}
	return res.Answer, nil
}

// StreamChat streams an answer about the patient's records. It returns an iterator
// that yields answer fragments in arrival order and potential errors; the iterator
// ending without an error means the turn is complete, whether or not the backend sent
// an explicit completion frame. The context can be used to cancel the request
// mid-stream.
func (r Records) StreamChat(ctx context.Context, patientID, question string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		jsonBody, err := json.Marshal(askRequest{PatientID: patientID, Question: question})
		if err != nil {
			yield("", fmt.Errorf("error marshaling request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			r.baseURL+"/api/v1/chat/stream", bytes.NewBuffer(jsonBody))
		if err != nil {
			yield("", fmt.Errorf("error creating request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		r.authorize(req)

		resp, err := r.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			yield("", fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body)))
			return
		}

		sawCompletion := false
		for ev, err := range DecodeStream(resp.Body) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error reading response: %w", err))
				return
			}
			if ev.Chunk != "" {
				if !yield(ev.Chunk, nil) {
					return
				}
			}
			if ev.IsComplete {
				sawCompletion = true
			}
		}
		if !sawCompletion {
			r.logger.Warn("Stream ended without completion frame",
				slog.String("patientID", patientID))
		}
	}
}

// Vision submits an image for analysis and returns the full answer.
func (r Records) Vision(ctx context.Context, patientID, prompt string, file models.Upload) (string, error) {
	return r.analyze(ctx, "/api/v1/chat/vision", patientID, prompt, filePart{"file", file})
}

// Volume submits a CT/MRI volume (NIfTI file or zipped series) for analysis and
// returns the full answer.
func (r Records) Volume(ctx context.Context, patientID, prompt string, file models.Upload) (string, error) {
	return r.analyze(ctx, "/api/v1/chat/volume", patientID, prompt, filePart{"file", file})
}

// WSI submits a whole-slide-image patch archive for analysis and returns the full
// answer.
func (r Records) WSI(ctx context.Context, patientID, prompt string, file models.Upload) (string, error) {
	return r.analyze(ctx, "/api/v1/chat/wsi", patientID, prompt, filePart{"file", file})
}

// CXRCompare submits a current and a prior chest X-ray and returns the backend's
// interval-change comparison.
func (r Records) CXRCompare(
	ctx context.Context,
	patientID, prompt string,
	current, prior models.Upload,
) (string, error) {
	return r.analyze(ctx, "/api/v1/chat/cxr/compare", patientID, prompt,
		filePart{"current", current}, filePart{"prior", prior})
}

// Localize submits an image for bounding-box localization and returns the detected
// regions.
func (r Records) Localize(ctx context.Context, patientID, prompt string, file models.Upload) ([]Box, error) {
	resp, err := r.doMultipart(ctx, "/api/v1/chat/localize", patientID, prompt, filePart{"file", file})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var res localizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}
	return res.Boxes, nil
}

// UploadDocument creates a document under the given patient profile. If the backend
// rejects the upload because an identical document already exists, the returned error
// is a *ConflictError carrying the existing document's id; any other failure is
// returned as-is.
func (r Records) UploadDocument(ctx context.Context, patientID string, file models.Upload) (int64, error) {
	resp, err := r.doMultipart(ctx, "/api/v1/documents/upload", patientID, "", filePart{"file", file})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var res uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return 0, fmt.Errorf("error decoding response: %w", err)
	}
	return res.ID, nil
}

// Document fetches the metadata of a stored document, including its owning patient
// profile.
func (r Records) Document(ctx context.Context, id int64) (models.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/v1/documents/%d", r.baseURL, id), nil)
	if err != nil {
		return models.Document{}, fmt.Errorf("error creating request: %w", err)
	}
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return models.Document{}, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return models.Document{}, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	var doc models.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return models.Document{}, fmt.Errorf("error decoding response: %w", err)
	}
	return doc, nil
}

// Patients lists the patient profiles owned by the session's account.
func (r Records) Patients(ctx context.Context) ([]models.Patient, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.baseURL+"/api/v1/patients", nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	var patients []models.Patient
	if err := json.NewDecoder(resp.Body).Decode(&patients); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}
	return patients, nil
}

type filePart struct {
	field string
	file  models.Upload
}

func (r Records) analyze(
	ctx context.Context,
	path, patientID, prompt string,
	files ...filePart,
) (string, error) {
	resp, err := r.doMultipart(ctx, path, patientID, prompt, files...)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var res answerResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}
	return res.Answer, nil
}

func (r Records) doMultipart(
	ctx context.Context,
	path, patientID, prompt string,
	files ...filePart,
) (*http.Response, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("patient_id", patientID); err != nil {
		return nil, fmt.Errorf("error writing patient_id field: %w", err)
	}
	if prompt != "" {
		if err := mw.WriteField("prompt", prompt); err != nil {
			return nil, fmt.Errorf("error writing prompt field: %w", err)
		}
	}
	for _, fp := range files {
		part, err := mw.CreateFormFile(fp.field, fp.file.Filename)
		if err != nil {
			return nil, fmt.Errorf("error creating form file: %w", err)
		}
		if _, err := io.Copy(part, fp.file.Content); err != nil {
			return nil, fmt.Errorf("error copying file content: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("error closing multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if conflict := parseConflict(body); conflict != nil {
			return nil, conflict
		}
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}

// parseConflict recognizes the backend's duplicate-document rejection body. The
// wording is part of the wire contract; everything else about the body (plain text or
// a JSON detail wrapper) is allowed to vary.
func parseConflict(body []byte) *ConflictError {
	m := conflictPattern.FindSubmatch(body)
	if m == nil {
		return nil
	}
	id, err := strconv.ParseInt(string(m[1]), 10, 64)
	if err != nil {
		return nil
	}
	return &ConflictError{ExistingID: id}
}

func (r Records) authorize(req *http.Request) {
	if r.session.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.session.Token)
	}
}
