package usecase

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/influencerai/worker/internal/config"
	"github.com/influencerai/worker/internal/domain"
)

const videoURLTTL = 7 * 24 * time.Hour

type videoPayload struct {
	Caption     string `json:"caption"`
	Script      string `json:"script"`
	Persona     string `json:"persona"`
	PersonaText string `json:"personaText"`
	Context     string `json:"context"`
	DurationSec any    `json:"durationSec"`
}

type videoResult struct {
	ComfyJobID  string `json:"comfyJobId"`
	Caption     string `json:"caption"`
	Script      string `json:"script"`
	Context     string `json:"context,omitempty"`
	Persona     string `json:"persona,omitempty"`
	DurationSec int    `json:"durationSec"`
	VideoKey    string `json:"videoKey,omitempty"`
	VideoURL    string `json:"videoUrl,omitempty"`
}

// VideoGenService renders a video through ComfyUI, post-processes it with
// FFmpeg, and ships the final cut to the object store.
type VideoGenService struct {
	Graph     domain.GraphRunner
	Transcode domain.Transcoder
	Store     domain.ObjectStore
	Plane     domain.ControlPlane

	// rawWorkflow is re-unmarshaled per job so concurrent jobs never share
	// a mutable base graph.
	rawWorkflow []byte
	aspectRatio string
	audioFilter string
	preset      string
}

// NewVideoGenService constructs a VideoGenService. A configured base
// workflow is parsed once to reject malformed JSON at startup.
func NewVideoGenService(cfg config.Config, graph domain.GraphRunner, transcode domain.Transcoder, store domain.ObjectStore, plane domain.ControlPlane) (VideoGenService, error) {
	var raw []byte
	if cfg.ComfyUIVideoWorkflowJSON != "" {
		raw = []byte(cfg.ComfyUIVideoWorkflowJSON)
		var probe map[string]any
		if err := json.Unmarshal(raw, &probe); err != nil {
			return VideoGenService{}, fmt.Errorf("op=usecase.NewVideoGenService: invalid COMFYUI_VIDEO_WORKFLOW_JSON: %w", err)
		}
	}
	return VideoGenService{
		Graph:       graph,
		Transcode:   transcode,
		Store:       store,
		Plane:       plane,
		rawWorkflow: raw,
		aspectRatio: cfg.FFmpegAspectRatio,
		audioFilter: cfg.FFmpegAudioFilter,
		preset:      cfg.FFmpegVideoPreset,
	}, nil
}

// Process implements domain.JobProcessor for the video-generation queue.
func (s VideoGenService) Process(ctx domain.Context, job domain.Job) error {
	var p videoPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return s.fail(ctx, job, fmt.Errorf("%w: decode payload: %v", domain.ErrInvalidArgument, err))
		}
	}
	caption := strings.TrimSpace(p.Caption)
	script := strings.TrimSpace(p.Script)
	if caption == "" || script == "" {
		return s.fail(ctx, job, fmt.Errorf("%w: caption and script are required", domain.ErrInvalidArgument))
	}
	duration := coerceDuration(p.DurationSec)

	_ = s.Plane.PatchJob(ctx, job.ID, domain.JobPatch{Status: domain.JobRunning})

	workflow := s.cloneWorkflow()
	inputs := map[string]any{
		"caption":     caption,
		"script":      script,
		"durationSec": duration,
	}
	for k, v := range map[string]string{"persona": p.Persona, "personaText": p.PersonaText, "context": p.Context} {
		if v != "" {
			inputs[k] = v
		}
	}
	res, err := s.Graph.SubmitAndWait(ctx, workflow, domain.GraphSubmit{
		Inputs: inputs,
		Metadata: map[string]any{
			"jobId":       job.ID,
			"queueJobId":  job.QueueID,
			"caption":     caption,
			"script":      script,
			"persona":     p.Persona,
			"context":     p.Context,
			"durationSec": duration,
		},
	})
	if err != nil {
		return s.fail(ctx, job, err)
	}

	asset, ok := LocateVideoAsset(res)
	if !ok {
		return s.fail(ctx, job, fmt.Errorf("no video output found in ComfyUI result %s", res.PromptID))
	}
	data, err := s.Graph.Download(ctx, s.Graph.AssetURL(asset))
	if err != nil {
		return s.fail(ctx, job, err)
	}

	tmpDir, err := os.MkdirTemp("", "videogen-*")
	if err != nil {
		return s.fail(ctx, job, fmt.Errorf("create temp dir: %w", err))
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			slog.Warn("temp dir cleanup failed", slog.String("dir", tmpDir), slog.Any("error", rmErr))
		}
	}()

	rawPath := filepath.Join(tmpDir, "raw.mp4")
	processedPath := filepath.Join(tmpDir, "processed.mp4")
	if err := os.WriteFile(rawPath, data, 0o644); err != nil {
		return s.fail(ctx, job, fmt.Errorf("write raw video: %w", err))
	}
	if err := s.Transcode.Run(ctx, domain.TranscodeParams{
		InputPath:   rawPath,
		OutputPath:  processedPath,
		AspectRatio: s.aspectRatio,
		AudioFilter: s.audioFilter,
		Preset:      s.preset,
	}); err != nil {
		return s.fail(ctx, job, err)
	}

	result := videoResult{
		ComfyJobID:  res.PromptID,
		Caption:     caption,
		Script:      script,
		Context:     p.Context,
		Persona:     p.Persona,
		DurationSec: duration,
	}
	result.VideoKey, result.VideoURL = s.uploadVideo(ctx, job, processedPath)

	_ = s.Plane.PatchJob(ctx, job.ID, domain.JobPatch{Status: domain.JobSucceeded, Result: result})
	return nil
}

// cloneWorkflow returns a fresh copy of the configured base workflow, or an
// empty graph when none is configured.
func (s VideoGenService) cloneWorkflow() map[string]any {
	if len(s.rawWorkflow) == 0 {
		return map[string]any{}
	}
	var wf map[string]any
	if err := json.Unmarshal(s.rawWorkflow, &wf); err != nil {
		// validated in the constructor, so this cannot happen
		return map[string]any{}
	}
	return wf
}

// uploadVideo stores the processed cut best-effort. A failed upload keeps
// the job successful since the rendered result is already reported.
func (s VideoGenService) uploadVideo(ctx domain.Context, job domain.Job, path string) (string, string) {
	f, err := os.Open(path)
	if err != nil {
		slog.Warn("processed video open failed", slog.String("path", path), slog.Any("error", err))
		return "", ""
	}
	defer func() { _ = f.Close() }()

	key := domain.QueueVideoGeneration + "/" + job.Ref() + "/final.mp4"
	if err := s.Store.PutBinary(ctx, key, f, "video/mp4"); err != nil {
		slog.Warn("video upload failed", slog.String("key", key), slog.Any("error", err))
		return "", ""
	}
	url, err := s.Store.SignedGetURL(ctx, key, videoURLTTL)
	if err != nil {
		slog.Warn("video url signing failed", slog.String("key", key), slog.Any("error", err))
		return key, ""
	}
	return key, url
}

func (s VideoGenService) fail(ctx domain.Context, job domain.Job, err error) error {
	_ = s.Plane.PatchJob(ctx, job.ID, domain.JobPatch{Status: domain.JobFailed, Result: domain.NewFailureResult(err)})
	return err
}

// coerceDuration accepts a JSON number or numeric string and defaults to 15
// for anything absent or unusable.
func coerceDuration(v any) int {
	switch n := v.(type) {
	case float64:
		if n > 0 {
			return int(n)
		}
	case string:
		if parsed, err := strconv.Atoi(n); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultDurationSec
}
