package usecase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/influencerai/worker/internal/domain"
)

// fakePlane records every control-plane interaction.
type fakePlane struct {
	mu      sync.Mutex
	patches []patchCall
	creates []domain.CreateJobRequest
	assets  []domain.AssetRecord

	createID  string
	createErr error
	assetErr  error
	datasets  map[string]domain.Dataset
	configs   map[string]domain.LoraTrainingConfig
}

type patchCall struct {
	JobID string
	Patch domain.JobPatch
}

func newFakePlane() *fakePlane {
	return &fakePlane{
		createID: "child-123",
		datasets: map[string]domain.Dataset{},
		configs:  map[string]domain.LoraTrainingConfig{},
	}
}

func (f *fakePlane) PatchJob(_ domain.Context, jobID string, patch domain.JobPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, patchCall{JobID: jobID, Patch: patch})
	return nil
}

func (f *fakePlane) CreateJob(_ domain.Context, req domain.CreateJobRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.creates = append(f.creates, req)
	return f.createID, nil
}

func (f *fakePlane) CreateAsset(_ domain.Context, rec domain.AssetRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.assetErr != nil {
		return f.assetErr
	}
	f.assets = append(f.assets, rec)
	return nil
}

func (f *fakePlane) GetDataset(_ domain.Context, id string) (domain.Dataset, error) {
	if ds, ok := f.datasets[id]; ok {
		return ds, nil
	}
	return domain.Dataset{}, domain.ErrNotFound
}

func (f *fakePlane) GetLoraConfig(_ domain.Context, id string) (domain.LoraTrainingConfig, error) {
	if cfg, ok := f.configs[id]; ok {
		return cfg, nil
	}
	return domain.LoraTrainingConfig{}, domain.ErrNotFound
}

func (f *fakePlane) patchList() []patchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]patchCall, len(f.patches))
	copy(out, f.patches)
	return out
}

// statuses returns just the status sequence of all recorded patches.
func (f *fakePlane) statuses() []domain.JobStatus {
	var out []domain.JobStatus
	for _, p := range f.patchList() {
		out = append(out, p.Patch.Status)
	}
	return out
}

func (f *fakePlane) lastPatch() patchCall {
	ps := f.patchList()
	if len(ps) == 0 {
		return patchCall{}
	}
	return ps[len(ps)-1]
}

// fakeStore keeps uploaded objects in memory.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	signErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}}
}

func (f *fakeStore) PutText(_ domain.Context, key, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.objects[key] = []byte(text)
	return nil
}

func (f *fakeStore) PutBinary(_ domain.Context, key string, r io.Reader, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *fakeStore) SignedGetURL(_ domain.Context, key string, ttl time.Duration) (string, error) {
	if f.signErr != nil {
		return "", f.signErr
	}
	return fmt.Sprintf("https://store.test/%s?ttl=%d", key, int(ttl.Seconds())), nil
}

func (f *fakeStore) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for k := range f.objects {
		out = append(out, k)
	}
	return out
}

// fakeChat replays scripted responses in order.
type fakeChat struct {
	mu        sync.Mutex
	responses []domain.ChatResult
	errs      []error
	calls     [][]domain.ChatMessage
}

func (f *fakeChat) CallChat(_ domain.Context, msgs []domain.ChatMessage, _ domain.ChatOptions) (domain.ChatResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.calls)
	f.calls = append(f.calls, msgs)
	if i < len(f.errs) && f.errs[i] != nil {
		return domain.ChatResult{}, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return domain.ChatResult{}, errors.New("no scripted response")
}

// fakeGraph returns a scripted result and remembers what was submitted.
type fakeGraph struct {
	result    domain.GraphResult
	submitErr error
	download  []byte
	dlErr     error

	submitted map[string]any
	opts      domain.GraphSubmit
}

func (f *fakeGraph) SubmitAndWait(_ domain.Context, workflow map[string]any, opts domain.GraphSubmit) (domain.GraphResult, error) {
	f.submitted = workflow
	f.opts = opts
	if f.submitErr != nil {
		return domain.GraphResult{}, f.submitErr
	}
	return f.result, nil
}

func (f *fakeGraph) AssetURL(a domain.GraphAsset) string {
	if a.URL != "" {
		return a.URL
	}
	return "http://comfy.test/view?filename=" + a.Filename
}

func (f *fakeGraph) Download(_ domain.Context, _ string) ([]byte, error) {
	if f.dlErr != nil {
		return nil, f.dlErr
	}
	return f.download, nil
}

// fakeTranscoder copies input to output so the upload path has a file.
type fakeTranscoder struct {
	err    error
	params []domain.TranscodeParams
}

func (f *fakeTranscoder) Run(_ domain.Context, p domain.TranscodeParams) error {
	f.params = append(f.params, p)
	if f.err != nil {
		return f.err
	}
	return copyFile(p.InputPath, p.OutputPath)
}

// fakeTrainer emits scripted output lines, then returns its scripted error.
type fakeTrainer struct {
	lines   []string
	err     error
	runs    []domain.TrainerRun
	onStart func(run domain.TrainerRun)
}

func (f *fakeTrainer) Run(_ domain.Context, run domain.TrainerRun, onLine func(line, source string)) error {
	f.runs = append(f.runs, run)
	if f.onStart != nil {
		f.onStart(run)
	}
	for _, l := range f.lines {
		onLine(l, "stdout")
	}
	return f.err
}

// fakeProgress records scheduled events synchronously.
type fakeProgress struct {
	mu      sync.Mutex
	events  []domain.ProgressEvent
	flushes []string
}

func (f *fakeProgress) Schedule(_ string, ev domain.ProgressEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeProgress) Flush(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes = append(f.flushes, jobID)
}

func (f *fakeProgress) stages() []domain.ProgressStage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ProgressStage
	for _, ev := range f.events {
		out = append(out, ev.Stage)
	}
	return out
}

type fakeLoraFiles struct{ present map[string]bool }

func (f fakeLoraFiles) Exists(p string) bool { return f.present[p] }

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()
	_, err = io.Copy(out, in)
	return err
}
