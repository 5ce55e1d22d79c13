// Package chat owns the conversational transcript for the active patient profile and
// routes each user action to the matching backend endpoint: plain questions to the
// ask/stream endpoints, uploaded studies to the vision, volume, WSI, or CXR-compare
// pipelines. At most one turn is in flight per orchestrator; while it runs, every
// other entry point fails fast with ErrTurnInProgress.
package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/medcortex/records-web-ui/internal/models"
)

// Greeting seeds every fresh transcript. Switching the active patient replaces the
// whole transcript with a single message carrying this text.
const Greeting = "Hello! I'm your health records assistant. " +
	"Ask me about labs, medications, or past visits, or upload a document or imaging study to analyze."

// Default analysis prompts sent when the caller provides no override. The user
// message in the transcript shows only the uploaded filename, never these.
const (
	DefaultVisionPrompt     = "Describe any clinically relevant findings in this medical image."
	DefaultVolumePrompt     = "Analyze this CT/MRI volume and describe notable findings slice by slice."
	DefaultWSIPrompt        = "Analyze these whole-slide image patches and describe any abnormal tissue."
	DefaultCXRComparePrompt = "Compare the current chest X-ray with the prior study and describe interval changes."
	DefaultLocalizePrompt   = "Locate and label any abnormalities visible in this image."
)

const (
	answerFailedNotice   = "Sorry, something went wrong while answering. Please try again."
	analysisFailedNotice = "Sorry, I couldn't analyze that file. Please try again."
	emptyAnswerNotice    = "I wasn't able to produce an answer. Please try asking again."
)

// ErrTurnInProgress is returned by every send entry point while another turn is still
// streaming. The transcript is left untouched and no request is made.
var ErrTurnInProgress = errors.New("a chat turn is already in progress")

var summaryPattern = regexp.MustCompile(`(?i)\b(summar\w*|recent|overview)\b`)

// Backend is the slice of the records client the orchestrator drives. Refer to
// services.Records for the production implementation.
type Backend interface {
	Ask(ctx context.Context, patientID, question string) (string, error)
	StreamChat(ctx context.Context, patientID, question string) iter.Seq2[string, error]
	Vision(ctx context.Context, patientID, prompt string, file models.Upload) (string, error)
	Volume(ctx context.Context, patientID, prompt string, file models.Upload) (string, error)
	WSI(ctx context.Context, patientID, prompt string, file models.Upload) (string, error)
	CXRCompare(ctx context.Context, patientID, prompt string, current, prior models.Upload) (string, error)
}

// Orchestrator holds the transcript and in-flight-turn state for the currently
// selected patient. All exported methods are safe for concurrent use; the OnUpdate
// and OnError hooks must be assigned before the first send.
type Orchestrator struct {
	backend Backend
	session models.Session

	logger *slog.Logger

	// OnUpdate, when set, is invoked with a copy of every transcript message that is
	// appended or mutated, including per-chunk growth of a streaming answer.
	OnUpdate func(models.Message)
	// OnError, when set, receives transport failures of plain Send turns. Multimodal
	// sends return their errors to the caller instead.
	OnError func(error)

	mu         sync.Mutex
	patientID  string
	messages   []models.Message
	streaming  bool
	epoch      uint64
	cancelTurn context.CancelFunc
}

// turn captures everything a running turn needs to apply its results safely: the
// patient context at call time and the epoch that detects a profile switch racing the
// response.
type turn struct {
	ctx           context.Context
	epoch         uint64
	patientID     string
	placeholderID string
}

// New creates an Orchestrator for the given patient profile, seeded with the
// greeting. The session identifies the account on whose behalf requests are made.
func New(backend Backend, session models.Session, patientID string, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		backend: backend,
		session: session,
		logger: logger.With(
			slog.String("module", "chat"),
			slog.String("accountID", session.AccountID),
		),
	}
	o.SetPatient(patientID)
	return o
}

// SetPatient switches the active patient profile. This is a hard cutover: any
// in-flight turn's context is cancelled, the transcript is replaced with the seeded
// greeting, and results of the old turn that still arrive are discarded.
func (o *Orchestrator) SetPatient(patientID string) {
	greeting := newMessage(models.RoleAssistant, Greeting)

	o.mu.Lock()
	if o.cancelTurn != nil {
		o.cancelTurn()
		o.cancelTurn = nil
	}
	o.epoch++
	o.streaming = false
	o.patientID = patientID
	o.messages = []models.Message{greeting}
	o.mu.Unlock()

	o.notify(greeting)
}

// Send submits a plain question about the active patient's records. Questions that
// look like summary requests get one non-streaming answer; everything else streams
// chunk by chunk into the trailing assistant message. Transport failures are reported
// through OnError and as an apologetic assistant message, not as a returned error;
// only ErrTurnInProgress is returned.
func (o *Orchestrator) Send(ctx context.Context, prompt string) error {
	t, err := o.beginTurn(ctx, newMessage(models.RoleUser, prompt))
	if err != nil {
		return err
	}
	defer o.endTurn(t.epoch)

	if isSummaryPrompt(prompt) {
		answer, err := o.backend.Ask(t.ctx, t.patientID, prompt)
		if err != nil {
			o.reportSendError(t, err)
			return nil
		}
		o.completeTurn(t, answer)
		return nil
	}

	for chunk, err := range o.backend.StreamChat(t.ctx, t.patientID, prompt) {
		if err != nil {
			o.reportSendError(t, err)
			return nil
		}
		o.updateMessage(t.epoch, t.placeholderID, func(m *models.Message) {
			m.Content += chunk
		})
	}
	o.finishTurn(t)
	return nil
}

// SendVision submits an image for analysis. Unlike Send, failures are returned to the
// caller, after the streaming flag has been cleared, so the caller owns the
// user-facing messaging.
func (o *Orchestrator) SendVision(ctx context.Context, file models.Upload, promptOverride string) error {
	prompt := promptOrDefault(promptOverride, DefaultVisionPrompt)
	return o.sendStudy(ctx, file.Filename, []string{file.Filename},
		func(t turn) (string, error) {
			return o.backend.Vision(t.ctx, t.patientID, prompt, file)
		})
}

// SendVolume submits a CT/MRI volume for analysis. Failure semantics match
// SendVision.
func (o *Orchestrator) SendVolume(ctx context.Context, file models.Upload, promptOverride string) error {
	prompt := promptOrDefault(promptOverride, DefaultVolumePrompt)
	return o.sendStudy(ctx, file.Filename, []string{file.Filename},
		func(t turn) (string, error) {
			return o.backend.Volume(t.ctx, t.patientID, prompt, file)
		})
}

// SendWSI submits a whole-slide-image patch archive for analysis. Failure semantics
// match SendVision.
func (o *Orchestrator) SendWSI(ctx context.Context, file models.Upload, promptOverride string) error {
	prompt := promptOrDefault(promptOverride, DefaultWSIPrompt)
	return o.sendStudy(ctx, file.Filename, []string{file.Filename},
		func(t turn) (string, error) {
			return o.backend.WSI(t.ctx, t.patientID, prompt, file)
		})
}

// SendCXRCompare submits a current and a prior chest X-ray for interval comparison.
// Failure semantics match SendVision.
func (o *Orchestrator) SendCXRCompare(
	ctx context.Context,
	current, prior models.Upload,
	promptOverride string,
) error {
	prompt := promptOrDefault(promptOverride, DefaultCXRComparePrompt)
	label := fmt.Sprintf("%s (compared with %s)", current.Filename, prior.Filename)
	return o.sendStudy(ctx, label, []string{current.Filename, prior.Filename},
		func(t turn) (string, error) {
			return o.backend.CXRCompare(t.ctx, t.patientID, prompt, current, prior)
		})
}

// PushMessage appends a message directly to the transcript, bypassing the turn
// machinery. Collaborators that already have their result, such as the localization
// preview, use this instead of the placeholder/replace pattern.
func (o *Orchestrator) PushMessage(msg models.Message) {
	msg = withDefaults(msg)

	o.mu.Lock()
	o.messages = append(o.messages, msg)
	o.mu.Unlock()

	o.notify(msg)
}

// PushMessageFor appends a message only while patientID is still the active profile,
// and reports whether the append happened. Collaborators whose results resolve
// outside the turn machinery use this so a result arriving after a profile switch is
// dropped instead of landing in another patient's transcript.
func (o *Orchestrator) PushMessageFor(patientID string, msg models.Message) bool {
	msg = withDefaults(msg)

	o.mu.Lock()
	if o.patientID != patientID {
		o.mu.Unlock()
		return false
	}
	o.messages = append(o.messages, msg)
	o.mu.Unlock()

	o.notify(msg)
	return true
}

// Messages returns a copy of the current transcript.
func (o *Orchestrator) Messages() []models.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.Message(nil), o.messages...)
}

// IsStreaming reports whether a turn is currently in flight.
func (o *Orchestrator) IsStreaming() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.streaming
}

// PatientID returns the active patient profile id.
func (o *Orchestrator) PatientID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.patientID
}

func (o *Orchestrator) sendStudy(
	ctx context.Context,
	label string,
	images []string,
	call func(turn) (string, error),
) error {
	t, err := o.beginTurn(ctx, newMessage(models.RoleUser, label, images...))
	if err != nil {
		return err
	}
	defer o.endTurn(t.epoch)

	answer, err := call(t)
	if err != nil {
		if errors.Is(err, context.Canceled) || !o.isCurrent(t.epoch) {
			// The profile changed while the request was in flight; the late result
			// belongs to the old transcript and is dropped.
			return nil
		}
		o.updateMessage(t.epoch, t.placeholderID, func(m *models.Message) {
			m.Content = analysisFailedNotice
		})
		return err
	}
	o.completeTurn(t, answer)
	return nil
}

// beginTurn flips the streaming flag, appends the user message and an empty assistant
// placeholder, and captures the patient context the turn will be applied against.
func (o *Orchestrator) beginTurn(ctx context.Context, userMsg models.Message) (turn, error) {
	placeholder := newMessage(models.RoleAssistant, "")

	o.mu.Lock()
	if o.streaming {
		o.mu.Unlock()
		return turn{}, ErrTurnInProgress
	}
	o.streaming = true
	turnCtx, cancel := context.WithCancel(ctx)
	o.cancelTurn = cancel
	o.messages = append(o.messages, userMsg, placeholder)
	t := turn{
		ctx:           turnCtx,
		epoch:         o.epoch,
		patientID:     o.patientID,
		placeholderID: placeholder.ID,
	}
	o.mu.Unlock()

	o.notify(userMsg)
	o.notify(placeholder)
	return t, nil
}

// endTurn clears the streaming flag unconditionally for the turn's own epoch, so a
// failed turn can never leave the chat box disabled. After a profile switch the epoch
// no longer matches and the state of the new transcript is left alone.
func (o *Orchestrator) endTurn(epoch uint64) {
	o.mu.Lock()
	if epoch == o.epoch {
		o.streaming = false
		if o.cancelTurn != nil {
			o.cancelTurn()
			o.cancelTurn = nil
		}
	}
	o.mu.Unlock()
}

func (o *Orchestrator) completeTurn(t turn, answer string) {
	if answer == "" {
		answer = emptyAnswerNotice
	}
	o.updateMessage(t.epoch, t.placeholderID, func(m *models.Message) {
		m.Content = answer
	})
}

// finishTurn backfills the placeholder if the stream ended without producing any
// content, keeping the invariant that a completed turn ends in a non-empty assistant
// message. A placeholder that already holds streamed content is left alone, without a
// redundant notification.
func (o *Orchestrator) finishTurn(t turn) {
	o.mu.Lock()
	if t.epoch != o.epoch {
		o.mu.Unlock()
		return
	}
	idx := o.indexOf(t.placeholderID)
	if idx == -1 || o.messages[idx].Content != "" {
		o.mu.Unlock()
		return
	}
	o.messages[idx].Content = emptyAnswerNotice
	msg := o.messages[idx]
	o.mu.Unlock()

	o.notify(msg)
}

func (o *Orchestrator) reportSendError(t turn, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	applied := o.updateMessage(t.epoch, t.placeholderID, func(m *models.Message) {
		m.Content = answerFailedNotice
	})
	if !applied {
		// Stale turn: the patient changed mid-request, suppress entirely.
		return
	}
	o.logger.Error("Chat turn failed",
		slog.String("patientID", t.patientID),
		slog.String("err", err.Error()))
	if o.OnError != nil {
		o.OnError(err)
	}
}

// updateMessage mutates the identified transcript message under the lock, refusing to
// touch anything if the epoch shows the transcript has been replaced since the turn
// started. It reports whether the mutation was applied.
func (o *Orchestrator) updateMessage(epoch uint64, id string, apply func(*models.Message)) bool {
	o.mu.Lock()
	if epoch != o.epoch {
		o.mu.Unlock()
		return false
	}
	idx := o.indexOf(id)
	if idx == -1 {
		o.mu.Unlock()
		return false
	}
	apply(&o.messages[idx])
	msg := o.messages[idx]
	o.mu.Unlock()

	o.notify(msg)
	return true
}

// indexOf finds a transcript message by id, searching from the end since mutations
// target recent messages. The caller must hold o.mu.
func (o *Orchestrator) indexOf(id string) int {
	for i := len(o.messages) - 1; i >= 0; i-- {
		if o.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (o *Orchestrator) isCurrent(epoch uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return epoch == o.epoch
}

func (o *Orchestrator) notify(msg models.Message) {
	if o.OnUpdate != nil {
		o.OnUpdate(msg)
	}
}

func withDefaults(msg models.Message) models.Message {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return msg
}

func newMessage(role models.Role, content string, images ...string) models.Message {
	return models.Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Images:    images,
		Timestamp: time.Now(),
	}
}

func promptOrDefault(override, def string) string {
	if strings.TrimSpace(override) == "" {
		return def
	}
	return override
}

func isSummaryPrompt(prompt string) bool {
	return summaryPattern.MatchString(prompt)
}
