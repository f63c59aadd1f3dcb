package usecase

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"log/slog"

	"github.com/influencerai/worker/internal/domain"
	"github.com/influencerai/worker/internal/workflow"
)

const imageURLTTL = 7 * 24 * time.Hour

type imagePayload struct {
	workflow.Params
	InfluencerID string `json:"influencerId"`
}

type imageResult struct {
	ImageKey string `json:"imageKey"`
	ImageURL string `json:"imageUrl"`
	Seed     int64  `json:"seed"`
	PromptID string `json:"promptId,omitempty"`
}

// ImageGenService renders a single image through ComfyUI and publishes it as
// an influencer asset. Payloads are validated before the job ever reports
// running so a bad request never leaves a half-transitioned job behind.
type ImageGenService struct {
	Graph     domain.GraphRunner
	Store     domain.ObjectStore
	Plane     domain.ControlPlane
	LoraFiles domain.LoraFileChecker
}

// NewImageGenService constructs an ImageGenService. loraFiles may be nil
// when no local ComfyUI models directory is available.
func NewImageGenService(graph domain.GraphRunner, store domain.ObjectStore, plane domain.ControlPlane, loraFiles domain.LoraFileChecker) ImageGenService {
	return ImageGenService{Graph: graph, Store: store, Plane: plane, LoraFiles: loraFiles}
}

// Process implements domain.JobProcessor for the image-generation queue.
func (s ImageGenService) Process(ctx domain.Context, job domain.Job) error {
	var p imagePayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return s.fail(ctx, job, fmt.Errorf("%w: decode payload: %v", domain.ErrInvalidArgument, err))
		}
	}
	if err := s.validate(p); err != nil {
		return s.fail(ctx, job, err)
	}

	_ = s.Plane.PatchJob(ctx, job.ID, domain.JobPatch{Status: domain.JobRunning})

	graph, seed, err := workflow.Build(p.Params)
	if err != nil {
		return s.fail(ctx, job, err)
	}
	if err := workflow.ValidateWorkflow(graph); err != nil {
		return s.fail(ctx, job, err)
	}

	res, err := s.Graph.SubmitAndWait(ctx, graph.AsMap(), domain.GraphSubmit{
		Metadata: map[string]any{"jobId": job.ID, "queueJobId": job.QueueID},
	})
	if err != nil {
		return s.fail(ctx, job, err)
	}
	asset, ok := LocateImageAsset(res)
	if !ok {
		return s.fail(ctx, job, fmt.Errorf("no image output found in ComfyUI result %s", res.PromptID))
	}
	data, err := s.Graph.Download(ctx, s.Graph.AssetURL(asset))
	if err != nil {
		return s.fail(ctx, job, err)
	}

	key := fmt.Sprintf("%s/%d-%d.png", p.InfluencerID, time.Now().UnixMilli(), seed)
	if err := s.Store.PutBinary(ctx, key, bytes.NewReader(data), "image/png"); err != nil {
		return s.fail(ctx, job, err)
	}
	url, err := s.Store.SignedGetURL(ctx, key, imageURLTTL)
	if err != nil {
		return s.fail(ctx, job, err)
	}

	s.recordAsset(ctx, job, p, seed, url)

	_ = s.Plane.PatchJob(ctx, job.ID, domain.JobPatch{Status: domain.JobCompleted, Result: imageResult{
		ImageKey: key,
		ImageURL: url,
		Seed:     seed,
		PromptID: res.PromptID,
	}})
	return nil
}

// validate runs all pre-flight checks: required fields, param ranges, and
// LoRA extension/existence.
func (s ImageGenService) validate(p imagePayload) error {
	if p.InfluencerID == "" {
		return fmt.Errorf("%w: influencerId is required", domain.ErrInvalidArgument)
	}
	if err := workflow.ValidateParams(p.Params); err != nil {
		return err
	}
	for i, l := range p.Loras {
		if err := workflow.ValidateLoraExtension(l.Path); err != nil {
			return fmt.Errorf("loras[%d].path: %w", i, err)
		}
		if s.LoraFiles != nil && !s.LoraFiles.Exists(l.Path) {
			return fmt.Errorf("%w: lora file not found: %s", domain.ErrNotFound, l.Path)
		}
	}
	return nil
}

// recordAsset creates the control-plane asset record best-effort.
func (s ImageGenService) recordAsset(ctx domain.Context, job domain.Job, p imagePayload, seed int64, url string) {
	loraUsed := make([]string, 0, len(p.Loras))
	for _, l := range p.Loras {
		loraUsed = append(loraUsed, l.Path)
	}
	meta := map[string]any{
		"prompt":     p.Prompt,
		"seed":       seed,
		"cfgScale":   valueOr(p.CfgScale, workflow.DefaultCfg),
		"steps":      valueOr(p.Steps, workflow.DefaultSteps),
		"loraUsed":   loraUsed,
		"width":      valueOr(p.Width, workflow.DefaultWidth),
		"height":     valueOr(p.Height, workflow.DefaultHeight),
		"checkpoint": p.Checkpoint,
	}
	if p.NegativePrompt != "" {
		meta["negativePrompt"] = p.NegativePrompt
	}
	if p.Sampler != "" {
		meta["sampler"] = p.Sampler
	}
	if p.Scheduler != "" {
		meta["scheduler"] = p.Scheduler
	}
	rec := domain.AssetRecord{JobID: job.Ref(), Type: "image", URL: url, Meta: meta}
	if err := s.Plane.CreateAsset(ctx, rec); err != nil {
		slog.Warn("asset record creation failed", slog.String("job_id", job.Ref()), slog.Any("error", err))
	}
}

func (s ImageGenService) fail(ctx domain.Context, job domain.Job, err error) error {
	_ = s.Plane.PatchJob(ctx, job.ID, domain.JobPatch{Status: domain.JobFailed, Error: err.Error()})
	return err
}

func valueOr[T any](v *T, def T) T {
	if v != nil {
		return *v
	}
	return def
}
