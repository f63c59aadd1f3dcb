package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrTimeout         = errors.New("timeout")
	ErrUnavailable     = errors.New("unavailable")
	ErrInternal        = errors.New("internal error")
)

// Queue names. One durable broker channel per job type.
const (
	QueueContentGeneration = "content-generation"
	QueueLoraTraining      = "lora-training"
	QueueVideoGeneration   = "video-generation"
	QueueImageGeneration   = "image-generation"
)

// Queues lists every queue the worker consumes, in registration order.
func Queues() []string {
	return []string{QueueContentGeneration, QueueLoraTraining, QueueVideoGeneration, QueueImageGeneration}
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	// JobCompleted is the terminal alias the image pipeline reports; the
	// control plane accepts both succeeded and completed.
	JobCompleted JobStatus = "completed"
)

type ProgressStage string

const (
	StageInitializing    ProgressStage = "initializing"
	StageFetchingDataset ProgressStage = "fetching-dataset"
	StageRunning         ProgressStage = "running"
	StageUploading       ProgressStage = "uploading"
	StageCompleted       ProgressStage = "completed"
	StageFailed          ProgressStage = "failed"
)

// Job is one unit of work pulled from a queue. ID is the control-plane
// identifier and may be empty; QueueID is the broker's internal task id.
type Job struct {
	ID      string
	QueueID string
	Queue   string
	Payload json.RawMessage
}

// Ref returns the best available identifier for object-store keys and logs:
// the control-plane id when declared, otherwise the broker id.
func (j Job) Ref() string {
	if j.ID != "" {
		return j.ID
	}
	return j.QueueID
}

// JobEnvelope is the wire shape of a queued task payload.
type JobEnvelope struct {
	JobID   string          `json:"jobId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JobPatch is a partial control-plane job update. Zero-valued fields are
// omitted from the wire payload.
type JobPatch struct {
	Status     JobStatus `json:"status,omitempty"`
	Result     any       `json:"result,omitempty"`
	CostTokens *int      `json:"costTokens,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// ProgressEvent is a single progress update emitted while a job is running.
type ProgressEvent struct {
	Stage      ProgressStage `json:"stage"`
	Message    string        `json:"message,omitempty"`
	Step       int           `json:"step,omitempty"`
	TotalSteps int           `json:"totalSteps,omitempty"`
	Percent    *float64      `json:"percent,omitempty"`
	Source     string        `json:"source,omitempty"`
	Logs       []string      `json:"logs,omitempty"`
}

// Artifact is a produced output stored in the object store.
type Artifact struct {
	Key      string         `json:"key"`
	URL      string         `json:"url,omitempty"`
	Filename string         `json:"filename"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// FailureResult is the result body attached to a terminal failed patch.
type FailureResult struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// NewFailureResult captures err and the current stack for a failed patch.
func NewFailureResult(err error) FailureResult {
	return FailureResult{Message: err.Error(), Stack: string(debug.Stack())}
}

// CreateJobRequest spawns a job on the control plane (e.g. a child
// video-generation job from content generation).
type CreateJobRequest struct {
	Type     string `json:"type"`
	Payload  any    `json:"payload"`
	Priority int    `json:"priority,omitempty"`
}

// AssetRecord is the control-plane record created for a generated asset.
type AssetRecord struct {
	JobID string         `json:"jobId,omitempty"`
	Type  string         `json:"type"`
	URL   string         `json:"url"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// Dataset is a training dataset looked up by id.
type Dataset struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// LoraTrainingConfig drives a kohya_ss run. All fields are optional; zero
// values fall back to built-in defaults at command construction.
type LoraTrainingConfig struct {
	DatasetPath     string            `json:"datasetPath,omitempty"`
	OutputPath      string            `json:"outputPath,omitempty"`
	KohyaCommand    string            `json:"kohyaCommand,omitempty"`
	ExtraArgs       []string          `json:"extraArgs,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	WorkDir         string            `json:"workDir,omitempty"`
	TimeoutMs       int64             `json:"timeoutMs,omitempty"`
	LearningRate    string            `json:"learningRate,omitempty"`
	MaxTrainEpochs  int               `json:"maxTrainEpochs,omitempty"`
	TrainBatchSize  int               `json:"trainBatchSize,omitempty"`
	Resolution      string            `json:"resolution,omitempty"`
	NetworkDim      int               `json:"networkDim,omitempty"`
	NetworkAlpha    int               `json:"networkAlpha,omitempty"`
	MaxTrainSteps   int               `json:"maxTrainSteps,omitempty"`
	PretrainedModel string            `json:"pretrainedModel,omitempty"`
}

// HTTPError carries a non-2xx provider response after retries are exhausted.
type HTTPError struct {
	Status int
	Body   string
	URL    string
	Method string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Status)
}

// Chat types

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatOptions struct {
	Model          string
	ResponseFormat string
	MaxTokens      int
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	// Estimated marks usage reconstructed locally when the provider omits it.
	Estimated bool `json:"-"`
}

type ChatResult struct {
	Content string
	Usage   *ChatUsage
}

// Graph execution types (ComfyUI protocol)

type GraphSubmit struct {
	Inputs   map[string]any
	Metadata map[string]any
}

type GraphResult struct {
	PromptID string
	Outputs  map[string]any
}

type GraphAsset struct {
	Filename  string
	Subfolder string
	Type      string
	URL       string
}

// TranscodeParams drives a single FFmpeg run.
type TranscodeParams struct {
	InputPath   string
	OutputPath  string
	AspectRatio string
	AudioFilter string
	Preset      string
}

// TrainerRun describes a training subprocess invocation.
type TrainerRun struct {
	Bin     string
	Args    []string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
}

// Ports

// JobProcessor handles one job pulled from a queue.
type JobProcessor interface {
	Process(ctx Context, job Job) error
}

// JobReporter patches job status on the control plane. Implementations are
// best-effort for status patches and safe for concurrent use.
type JobReporter interface {
	PatchJob(ctx Context, jobID string, patch JobPatch) error
}

// ControlPlane is the full control-plane API surface the worker uses.
type ControlPlane interface {
	JobReporter
	CreateJob(ctx Context, req CreateJobRequest) (string, error)
	CreateAsset(ctx Context, rec AssetRecord) error
	GetDataset(ctx Context, id string) (Dataset, error)
	GetLoraConfig(ctx Context, id string) (LoraTrainingConfig, error)
}

// ProgressScheduler coalesces progress events into throttled patches.
type ProgressScheduler interface {
	Schedule(jobID string, ev ProgressEvent)
	Flush(jobID string)
}

// ObjectStore puts artifacts and issues time-limited read URLs.
type ObjectStore interface {
	PutText(ctx Context, key, text string) error
	PutBinary(ctx Context, key string, r io.Reader, contentType string) error
	SignedGetURL(ctx Context, key string, ttl time.Duration) (string, error)
}

// ChatClient calls the chat-completions provider.
type ChatClient interface {
	CallChat(ctx Context, msgs []ChatMessage, opts ChatOptions) (ChatResult, error)
}

// GraphRunner submits a workflow graph and retrieves produced assets.
type GraphRunner interface {
	SubmitAndWait(ctx Context, workflow map[string]any, opts GraphSubmit) (GraphResult, error)
	AssetURL(a GraphAsset) string
	Download(ctx Context, url string) ([]byte, error)
}

// Transcoder runs a media transcode to completion.
type Transcoder interface {
	Run(ctx Context, p TranscodeParams) error
}

// Trainer runs a training subprocess, streaming each output line to onLine
// with source "stdout" or "stderr".
type Trainer interface {
	Run(ctx Context, run TrainerRun, onLine func(line, source string)) error
}

// LoraFileChecker reports whether a resolved LoRA path exists on disk.
type LoraFileChecker interface {
	Exists(path string) bool
}

// Context is an alias to allow decoupling from std context in domain
// signatures; adapters pass context.Context through.
type Context = context.Context
