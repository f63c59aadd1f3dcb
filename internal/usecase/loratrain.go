package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/influencerai/worker/internal/domain"
)

const (
	defaultTrainTimeout = 6 * time.Hour
	trainLogBufferCap   = 200
	artifactURLTTL      = 7 * 24 * time.Hour

	defaultKohyaCommand    = "accelerate"
	defaultLearningRate    = "1e-4"
	defaultMaxTrainEpochs  = 10
	defaultTrainBatchSize  = 1
	defaultResolution      = "512,512"
	defaultNetworkDim      = 32
	defaultNetworkAlpha    = 16
	defaultMaxTrainSteps   = 1000
	defaultPretrainedModel = "runwayml/stable-diffusion-v1-5"
)

var (
	stepLineRe    = regexp.MustCompile(`(?i)steps?\s*:?\s*(\d+)\s*/\s*(\d+)`)
	percentLineRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
)

type loraPayload struct {
	Dataset      string                     `json:"dataset"`
	DatasetPath  string                     `json:"datasetPath"`
	DatasetID    string                     `json:"datasetId"`
	Config       *domain.LoraTrainingConfig `json:"config"`
	ConfigID     string                     `json:"configId"`
	KohyaArgs    []string                   `json:"kohyaArgs"`
	OutputDir    string                     `json:"outputDir"`
	TimeoutMs    int64                      `json:"timeoutMs"`
	S3Prefix     string                     `json:"s3Prefix"`
	TrainingName string                     `json:"trainingName"`
	DryRun       bool                       `json:"dryRun"`
}

type commandPreview struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Cwd     string   `json:"cwd"`
}

type loraResult struct {
	Progress  domain.ProgressEvent `json:"progress"`
	Command   *commandPreview      `json:"command,omitempty"`
	OutputDir string               `json:"outputDir,omitempty"`
	Artifacts []domain.Artifact    `json:"artifacts,omitempty"`
}

type loraFailure struct {
	Message  string               `json:"message"`
	Progress domain.ProgressEvent `json:"progress"`
}

// LoraTrainService runs kohya_ss LoRA training jobs: resolves the dataset
// and config, builds the command line, streams progress, and ships the
// resulting weights to the object store.
type LoraTrainService struct {
	Plane    domain.ControlPlane
	Store    domain.ObjectStore
	Trainer  domain.Trainer
	Progress domain.ProgressScheduler
}

// NewLoraTrainService constructs a LoraTrainService with its dependencies.
func NewLoraTrainService(plane domain.ControlPlane, store domain.ObjectStore, trainer domain.Trainer, progress domain.ProgressScheduler) LoraTrainService {
	return LoraTrainService{Plane: plane, Store: store, Trainer: trainer, Progress: progress}
}

// Process implements domain.JobProcessor for the lora-training queue.
func (s LoraTrainService) Process(ctx domain.Context, job domain.Job) error {
	var p loraPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return s.fail(ctx, job, fmt.Errorf("%w: decode payload: %v", domain.ErrInvalidArgument, err))
		}
	}

	_ = s.Plane.PatchJob(ctx, job.ID, domain.JobPatch{Status: domain.JobRunning})
	s.Progress.Schedule(job.ID, domain.ProgressEvent{Stage: domain.StageInitializing, Message: "resolving training inputs"})
	defer s.Progress.Flush(job.ID)

	cfg, err := s.resolveConfig(ctx, p)
	if err != nil {
		return s.fail(ctx, job, err)
	}
	datasetPath, err := s.resolveDataset(ctx, job.ID, p, cfg)
	if err != nil {
		return s.fail(ctx, job, err)
	}

	outputDir := firstNonEmpty(cfg.OutputPath, p.OutputDir)
	if outputDir == "" {
		name := firstNonEmpty(p.TrainingName, job.Ref(), strconv.FormatInt(time.Now().UnixMilli(), 10))
		outputDir = filepath.Join("data", "loras", name)
	}
	outputDir, err = filepath.Abs(outputDir)
	if err != nil {
		return s.fail(ctx, job, fmt.Errorf("resolve output dir: %w", err))
	}

	bin, args := buildKohyaCommand(p, cfg, datasetPath, outputDir)

	if p.DryRun {
		slog.Info("dry run, skipping trainer spawn", slog.String("job_id", job.Ref()), slog.String("command", bin))
		_ = s.Plane.PatchJob(ctx, job.ID, domain.JobPatch{Status: domain.JobSucceeded, Result: loraResult{
			Progress: domain.ProgressEvent{Stage: domain.StageCompleted},
			Command:  &commandPreview{Command: bin, Args: args, Cwd: cfg.WorkDir},
		}})
		return nil
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return s.fail(ctx, job, fmt.Errorf("create output dir: %w", err))
	}

	timeout := defaultTrainTimeout
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	} else if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}

	buf := newLineBuffer(trainLogBufferCap)
	onLine := func(line, source string) {
		buf.add(line)
		ev := parseTrainProgress(line)
		ev.Source = source
		s.Progress.Schedule(job.ID, ev)
	}

	runErr := s.Trainer.Run(ctx, domain.TrainerRun{
		Bin:     bin,
		Args:    args,
		Dir:     cfg.WorkDir,
		Env:     cfg.Env,
		Timeout: timeout,
	}, onLine)
	if runErr != nil {
		if isTimeout(runErr) {
			s.Progress.Schedule(job.ID, domain.ProgressEvent{Stage: domain.StageFailed, Message: runErr.Error()})
		}
		s.Progress.Flush(job.ID)
		_ = s.Plane.PatchJob(ctx, job.ID, domain.JobPatch{Status: domain.JobFailed, Result: loraFailure{
			Message:  runErr.Error(),
			Progress: domain.ProgressEvent{Stage: domain.StageFailed},
		}})
		return runErr
	}

	s.Progress.Schedule(job.ID, domain.ProgressEvent{Stage: domain.StageUploading, Message: "uploading trained weights"})
	artifacts := s.uploadWeights(ctx, job, p.S3Prefix, outputDir)

	s.Progress.Flush(job.ID)
	hundred := 100.0
	_ = s.Plane.PatchJob(ctx, job.ID, domain.JobPatch{Status: domain.JobSucceeded, Result: loraResult{
		Progress:  domain.ProgressEvent{Stage: domain.StageCompleted, Percent: &hundred, Logs: buf.lines()},
		OutputDir: outputDir,
		Artifacts: artifacts,
	}})
	return nil
}

func (s LoraTrainService) resolveConfig(ctx domain.Context, p loraPayload) (domain.LoraTrainingConfig, error) {
	if p.Config != nil {
		return *p.Config, nil
	}
	if p.ConfigID != "" {
		cfg, err := s.Plane.GetLoraConfig(ctx, p.ConfigID)
		if err != nil {
			return domain.LoraTrainingConfig{}, fmt.Errorf("resolve lora config %s: %w", p.ConfigID, err)
		}
		return cfg, nil
	}
	return domain.LoraTrainingConfig{}, nil
}

func (s LoraTrainService) resolveDataset(ctx domain.Context, jobID string, p loraPayload, cfg domain.LoraTrainingConfig) (string, error) {
	if ds := firstNonEmpty(p.Dataset, p.DatasetPath, cfg.DatasetPath); ds != "" {
		return ds, nil
	}
	if p.DatasetID != "" {
		s.Progress.Schedule(jobID, domain.ProgressEvent{Stage: domain.StageFetchingDataset, Message: "fetching dataset " + p.DatasetID})
		ds, err := s.Plane.GetDataset(ctx, p.DatasetID)
		if err != nil {
			return "", fmt.Errorf("resolve dataset %s: %w", p.DatasetID, err)
		}
		if ds.Path != "" {
			return ds.Path, nil
		}
	}
	return "", fmt.Errorf("%w: no dataset path resolved", domain.ErrInvalidArgument)
}

// uploadWeights ships every *.safetensors in outputDir to the object store
// and signs a 7-day read URL each. Per-file failures are logged and skipped
// so one bad upload never voids a finished training run.
func (s LoraTrainService) uploadWeights(ctx domain.Context, job domain.Job, prefix, outputDir string) []domain.Artifact {
	if prefix == "" {
		prefix = "lora-training/" + firstNonEmpty(job.Ref(), strconv.FormatInt(time.Now().UnixMilli(), 10)) + "/"
	} else if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	matches, err := filepath.Glob(filepath.Join(outputDir, "*.safetensors"))
	if err != nil {
		slog.Warn("artifact scan failed", slog.String("dir", outputDir), slog.Any("error", err))
		return nil
	}
	sort.Strings(matches)

	var artifacts []domain.Artifact
	for _, path := range matches {
		name := filepath.Base(path)
		key := prefix + name
		f, err := os.Open(path)
		if err != nil {
			slog.Warn("artifact open failed", slog.String("path", path), slog.Any("error", err))
			continue
		}
		err = s.Store.PutBinary(ctx, key, f, "application/octet-stream")
		_ = f.Close()
		if err != nil {
			slog.Warn("artifact upload failed", slog.String("key", key), slog.Any("error", err))
			continue
		}
		url, err := s.Store.SignedGetURL(ctx, key, artifactURLTTL)
		if err != nil {
			slog.Warn("artifact url signing failed", slog.String("key", key), slog.Any("error", err))
		}
		artifacts = append(artifacts, domain.Artifact{Key: key, URL: url, Filename: name})
	}
	return artifacts
}

func (s LoraTrainService) fail(ctx domain.Context, job domain.Job, err error) error {
	_ = s.Plane.PatchJob(ctx, job.ID, domain.JobPatch{Status: domain.JobFailed, Result: loraFailure{
		Message:  err.Error(),
		Progress: domain.ProgressEvent{Stage: domain.StageFailed},
	}})
	return err
}

func isTimeout(err error) bool {
	return errors.Is(err, domain.ErrTimeout)
}

// buildKohyaCommand assembles the trainer invocation. User-supplied args win
// over generated defaults; required flags are only appended when absent.
func buildKohyaCommand(p loraPayload, cfg domain.LoraTrainingConfig, datasetPath, outputDir string) (string, []string) {
	bin := cfg.KohyaCommand
	if bin == "" {
		bin = defaultKohyaCommand
	}
	var args []string
	if bin == defaultKohyaCommand {
		args = append(args, "launch", "train_network.py")
	}
	args = append(args, p.KohyaArgs...)

	lr := firstNonEmpty(cfg.LearningRate, defaultLearningRate)
	args = ensureFlagValue(args, "--train_data_dir", datasetPath)
	args = ensureFlagValue(args, "--output_dir", outputDir)
	args = ensureFlag(args, "--network_module=networks.lora", "--network_module")
	args = ensureFlagValue(args, "--learning_rate", lr)
	args = ensureFlagValue(args, "--lr", lr)
	args = ensureFlagValue(args, "--max_train_epochs", strconv.Itoa(intOrDefault(cfg.MaxTrainEpochs, defaultMaxTrainEpochs)))
	args = ensureFlagValue(args, "--train_batch_size", strconv.Itoa(intOrDefault(cfg.TrainBatchSize, defaultTrainBatchSize)))
	args = ensureFlagValue(args, "--resolution", firstNonEmpty(cfg.Resolution, defaultResolution))
	args = ensureFlagValue(args, "--network_dim", strconv.Itoa(intOrDefault(cfg.NetworkDim, defaultNetworkDim)))
	args = ensureFlagValue(args, "--network_alpha", strconv.Itoa(intOrDefault(cfg.NetworkAlpha, defaultNetworkAlpha)))
	args = ensureFlagValue(args, "--max_train_steps", strconv.Itoa(intOrDefault(cfg.MaxTrainSteps, defaultMaxTrainSteps)))
	args = ensureFlagValue(args, "--pretrained_model_name_or_path", firstNonEmpty(cfg.PretrainedModel, defaultPretrainedModel))

	args = append(args, cfg.ExtraArgs...)
	return bin, args
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag || strings.HasPrefix(a, flag+"=") {
			return true
		}
	}
	return false
}

func ensureFlagValue(args []string, flag, value string) []string {
	if hasFlag(args, flag) {
		return args
	}
	return append(args, flag, value)
}

// ensureFlag appends the literal token unless the flag is already present.
func ensureFlag(args []string, literal, flag string) []string {
	if hasFlag(args, flag) {
		return args
	}
	return append(args, literal)
}

func intOrDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// parseTrainProgress extracts step/percent info from one trainer output
// line. Lines with no recognizable progress still flow through as running
// messages.
func parseTrainProgress(line string) domain.ProgressEvent {
	ev := domain.ProgressEvent{Stage: domain.StageRunning, Message: line}
	if m := stepLineRe.FindStringSubmatch(line); m != nil {
		step, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		ev.Step = step
		ev.TotalSteps = total
		if total > 0 {
			pct := float64(step) / float64(total) * 100
			ev.Percent = &pct
		}
		return ev
	}
	if m := percentLineRe.FindStringSubmatch(line); m != nil {
		if pct, err := strconv.ParseFloat(m[1], 64); err == nil {
			ev.Percent = &pct
		}
	}
	return ev
}

// lineBuffer keeps the most recent lines, safe for the two stream-scanner
// goroutines feeding it.
type lineBuffer struct {
	mu    sync.Mutex
	cap   int
	items []string
}

func newLineBuffer(capacity int) *lineBuffer {
	return &lineBuffer{cap: capacity}
}

func (b *lineBuffer) add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, line)
	if len(b.items) > b.cap {
		b.items = b.items[len(b.items)-b.cap:]
	}
}

func (b *lineBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.items))
	copy(out, b.items)
	return out
}
