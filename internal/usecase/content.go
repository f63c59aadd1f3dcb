package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/influencerai/worker/internal/domain"
	"github.com/influencerai/worker/pkg/textx"
)

const (
	captionSystemPrompt = "You generate concise, vivid social captions."
	scriptSystemPrompt  = "You write short timestamped scripts for short-form videos."

	defaultContext     = "general social post"
	defaultDurationSec = 15

	textURLTTL = 24 * time.Hour
)

type contentPayload struct {
	Persona     string `json:"persona"`
	PersonaText string `json:"personaText"`
	Context     string `json:"context"`
	Theme       string `json:"theme"`
	DurationSec int    `json:"durationSec"`
}

type contentResult struct {
	Caption    string `json:"caption"`
	Script     string `json:"script"`
	CaptionURL string `json:"captionUrl,omitempty"`
	ScriptURL  string `json:"scriptUrl,omitempty"`
	ChildJobID string `json:"childJobId,omitempty"`
}

// ContentGenService turns a persona/context brief into a caption and a
// timestamped script, then spawns the downstream video-generation job.
type ContentGenService struct {
	Chat  domain.ChatClient
	Store domain.ObjectStore
	Plane domain.ControlPlane
}

// NewContentGenService constructs a ContentGenService with its dependencies.
func NewContentGenService(chat domain.ChatClient, store domain.ObjectStore, plane domain.ControlPlane) ContentGenService {
	return ContentGenService{Chat: chat, Store: store, Plane: plane}
}

// Process implements domain.JobProcessor for the content-generation queue.
func (s ContentGenService) Process(ctx domain.Context, job domain.Job) error {
	var p contentPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return s.fail(ctx, job, fmt.Errorf("%w: decode payload: %v", domain.ErrInvalidArgument, err))
		}
	}
	persona := firstNonEmpty(p.Persona, p.PersonaText)
	context := firstNonEmpty(p.Context, p.Theme, defaultContext)
	duration := p.DurationSec
	if duration <= 0 {
		duration = defaultDurationSec
	}

	_ = s.Plane.PatchJob(ctx, job.ID, domain.JobPatch{Status: domain.JobRunning})

	cost := 0
	caption, err := s.generate(ctx, captionSystemPrompt, captionPrompt(persona, context), &cost)
	if err != nil {
		return s.fail(ctx, job, err)
	}
	if caption == "" {
		return s.fail(ctx, job, errors.New("Caption generation returned empty content"))
	}

	script, err := s.generate(ctx, scriptSystemPrompt, scriptPrompt(caption, duration), &cost)
	if err != nil {
		return s.fail(ctx, job, err)
	}
	if script == "" {
		return s.fail(ctx, job, errors.New("Script generation returned empty content"))
	}

	result := contentResult{Caption: caption, Script: script}

	childID, err := s.Plane.CreateJob(ctx, domain.CreateJobRequest{
		Type: domain.QueueVideoGeneration,
		Payload: map[string]any{
			"parentJobId": job.Ref(),
			"caption":     caption,
			"script":      script,
			"persona":     persona,
			"context":     context,
			"durationSec": duration,
		},
		Priority: 5,
	})
	if err != nil {
		slog.Warn("child video job creation failed", slog.String("job_id", job.Ref()), slog.Any("error", err))
	} else {
		result.ChildJobID = childID
	}

	prefix := domain.QueueContentGeneration + "/" + job.Ref() + "/"
	result.CaptionURL = s.uploadText(ctx, prefix+"caption.txt", caption)
	result.ScriptURL = s.uploadText(ctx, prefix+"script.txt", script)

	patch := domain.JobPatch{Status: domain.JobSucceeded, Result: result}
	if cost > 0 {
		patch.CostTokens = &cost
	}
	_ = s.Plane.PatchJob(ctx, job.ID, patch)
	return nil
}

// generate runs one chat call, accumulating token cost, and returns the
// trimmed content.
func (s ContentGenService) generate(ctx domain.Context, system, user string, cost *int) (string, error) {
	res, err := s.Chat.CallChat(ctx, []domain.ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}, domain.ChatOptions{})
	if err != nil {
		return "", err
	}
	if res.Usage != nil {
		*cost += res.Usage.TotalTokens
	}
	// SanitizeText strips control characters and trims surrounding space.
	return textx.SanitizeText(res.Content), nil
}

// uploadText stores text best-effort and returns a signed read URL, or ""
// when either step fails.
func (s ContentGenService) uploadText(ctx domain.Context, key, text string) string {
	if err := s.Store.PutText(ctx, key, text); err != nil {
		slog.Warn("text upload failed", slog.String("key", key), slog.Any("error", err))
		return ""
	}
	url, err := s.Store.SignedGetURL(ctx, key, textURLTTL)
	if err != nil {
		slog.Warn("text url signing failed", slog.String("key", key), slog.Any("error", err))
		return ""
	}
	return url
}

func (s ContentGenService) fail(ctx domain.Context, job domain.Job, err error) error {
	_ = s.Plane.PatchJob(ctx, job.ID, domain.JobPatch{Status: domain.JobFailed, Result: domain.NewFailureResult(err)})
	return err
}

func captionPrompt(persona, context string) string {
	return fmt.Sprintf("Write a short, punchy social media caption.\nPersona: %s\nContext/Theme: %s", persona, context)
}

func scriptPrompt(caption string, durationSec int) string {
	return fmt.Sprintf("Write a timestamped script for a %d-second short-form video based on this caption:\n%s", durationSec, caption)
}
