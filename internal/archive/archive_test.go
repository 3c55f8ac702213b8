package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mathewab/actual-assist-sub002/internal/audit"
	"github.com/mathewab/actual-assist-sub002/pkg/jobs"
)

type capturedPut struct {
	bucket, key string
	body        []byte
}

type fakeS3 struct {
	puts []capturedPut
	err  error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.puts = append(f.puts, capturedPut{
		bucket: *params.Bucket,
		key:    *params.Key,
		body:   body,
	})
	return &s3.PutObjectOutput{}, nil
}

func sampleDetail() *jobs.Detail {
	now := time.Now().UTC()
	done := now.Add(time.Minute)
	return &jobs.Detail{
		Job: jobs.Job{
			ID: "job-1", BudgetID: "b1", Type: jobs.TypeSuggestions,
			Status: jobs.StatusSucceeded, CreatedAt: now, StartedAt: &now, CompletedAt: &done,
		},
		Steps: []jobs.Step{
			{ID: "step-1", JobID: "job-1", StepType: "snapshot", Status: jobs.StatusSucceeded, Position: 0, CreatedAt: now},
		},
		Events: []jobs.Event{
			{ID: "ev-1", JobID: "job-1", Status: jobs.StatusQueued, CreatedAt: now},
		},
	}
}

func TestArchiveJob_UploadsGzippedJSON(t *testing.T) {
	client := &fakeS3{}
	exporter := NewWithClient(client, "archive-bucket", "prod", zap.NewNop())

	records := []audit.Record{
		{ID: "a1", BudgetID: "b1", JobID: "job-1", EventType: audit.EventSyncExecuted, CreatedAt: time.Now().UTC()},
	}
	require.NoError(t, exporter.ArchiveJob(context.Background(), sampleDetail(), records))

	require.Len(t, client.puts, 1)
	put := client.puts[0]
	assert.Equal(t, "archive-bucket", put.bucket)
	assert.Equal(t, "prod/audit/b1/job-1.json.gz", put.key)

	gz, err := gzip.NewReader(bytes.NewReader(put.body))
	require.NoError(t, err)
	decoded, err := io.ReadAll(gz)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(decoded, &got))
	job := got["job"].(map[string]any)
	assert.Equal(t, "job-1", job["id"])
	assert.Equal(t, "succeeded", job["status"])
	auditRecords := got["audit"].([]any)
	require.Len(t, auditRecords, 1)
}

func TestArchiveJob_NoPrefix(t *testing.T) {
	client := &fakeS3{}
	exporter := NewWithClient(client, "archive-bucket", "", zap.NewNop())

	require.NoError(t, exporter.ArchiveJob(context.Background(), sampleDetail(), nil))
	require.Len(t, client.puts, 1)
	assert.Equal(t, "audit/b1/job-1.json.gz", client.puts[0].key)
}

func TestArchiveJob_UploadError(t *testing.T) {
	client := &fakeS3{err: errors.New("access denied")}
	exporter := NewWithClient(client, "archive-bucket", "", zap.NewNop())

	err := exporter.ArchiveJob(context.Background(), sampleDetail(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job-1.json.gz")
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{}, zap.NewNop())
	assert.Error(t, err)
}
