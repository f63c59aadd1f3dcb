package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobRef(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "cp-1", Job{ID: "cp-1", QueueID: "task-1"}.Ref(), "control-plane id wins")
	assert.Equal(t, "task-1", Job{QueueID: "task-1"}.Ref(), "broker id is the fallback")
	assert.Equal(t, "", Job{}.Ref())
}

func TestQueues(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{
		QueueContentGeneration,
		QueueLoraTraining,
		QueueVideoGeneration,
		QueueImageGeneration,
	}, Queues())
}

func TestJobPatch_OmitsZeroFields(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(JobPatch{Status: JobRunning})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"running"}`, string(b))

	cost := 42
	b, err = json.Marshal(JobPatch{Status: JobSucceeded, CostTokens: &cost})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"succeeded","costTokens":42}`, string(b))
}

func TestNewFailureResult(t *testing.T) {
	t.Parallel()
	fr := NewFailureResult(errors.New("boom"))
	assert.Equal(t, "boom", fr.Message)
	assert.Contains(t, fr.Stack, "goroutine")
}

func TestHTTPError(t *testing.T) {
	t.Parallel()
	err := &HTTPError{Status: 502, URL: "http://api/jobs", Method: "PATCH"}
	assert.Equal(t, "PATCH http://api/jobs: status 502", err.Error())
}

func TestJobEnvelope_Decode(t *testing.T) {
	t.Parallel()
	var env JobEnvelope
	require.NoError(t, json.Unmarshal([]byte(`{"jobId":"j1","payload":{"a":1}}`), &env))
	assert.Equal(t, "j1", env.JobID)
	assert.JSONEq(t, `{"a":1}`, string(env.Payload))
}
