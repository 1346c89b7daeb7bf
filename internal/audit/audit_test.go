package audit

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaxIV-KitsControls/netspot/internal/models"
	"github.com/MaxIV-KitsControls/netspot/internal/mongodb"
)

func finishedJob() models.Job {
	return models.Job{
		ID:              "job-1",
		Status:          models.StatusActive,
		Username:        "alice",
		ActionReference: "vlan_change.yaml",
		TargetSelector:  "asset:sw-1",
		Parameters: models.Parameters{
			{Key: "vlan", Value: float64(20)},
			{Key: "Password", Value: "hunter2"},
			{Key: "username", Value: "netops"},
		},
		Secret: "become-me",
	}
}

func TestNewEntryRedactsSecrets(t *testing.T) {
	out := models.Outcome{
		Hosts:      map[string]models.HostSummary{"sw-1": {Ok: 4}},
		Transcript: "PLAY RECAP",
		Runtime:    1500 * time.Millisecond,
	}
	e := NewEntry(finishedJob(), models.StatusProcessed, out, nil, []string{"password"})

	assert.Equal(t, "job-1", e.JobID)
	assert.Equal(t, "alice", e.Username)
	assert.Equal(t, "vlan_change.yaml", e.Playbook)
	assert.Equal(t, "asset:sw-1", e.Filter)
	assert.Equal(t, []string{"vlan", "username"}, e.Arguments.Keys())
	assert.Equal(t, "PROCESSED", e.Status)
	assert.InDelta(t, 1.5, e.RuntimeSeconds, 0.001)
	assert.True(t, e.Success)
	assert.Empty(t, e.Error)

	blob := strings.Join([]string{e.Output, e.Error, e.Filter, e.Playbook}, "|")
	assert.NotContains(t, blob, "become-me")
	assert.NotContains(t, blob, "hunter2")
}

func TestNewEntrySuccessFlag(t *testing.T) {
	failed := models.Outcome{Hosts: map[string]models.HostSummary{"sw-1": {Failures: 1}}}
	e := NewEntry(finishedJob(), models.StatusProcessedWithFailures, failed, nil, nil)
	assert.False(t, e.Success)

	unreachable := models.Outcome{Hosts: map[string]models.HostSummary{"sw-1": {Unreachable: 1}}}
	e = NewEntry(finishedJob(), models.StatusProcessedWithFailures, unreachable, nil, nil)
	assert.False(t, e.Success)

	e = NewEntry(finishedJob(), models.StatusExecutorError, models.Outcome{}, errors.New("runner missing"), nil)
	assert.False(t, e.Success)
	assert.Equal(t, "runner missing", e.Error)
	assert.Equal(t, "EXECUTOR_ERROR", e.Status)
}

func TestMemoryLog(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Record(ctx, Entry{JobID: "a"}))
	require.NoError(t, m.Record(ctx, Entry{JobID: "b"}))
	require.NoError(t, m.Record(ctx, Entry{JobID: "c"}))

	list, err := m.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].JobID)
	assert.Equal(t, "b", list[1].JobID)

	got, err := m.Get(ctx, list[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "b", got.JobID)

	_, err = m.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, m.Entries(), 3)
}

func TestLoggerRecorderOmitsOutput(t *testing.T) {
	logger, hook := test.NewNullLogger()
	l := Logger{Log: logrus.NewEntry(logger)}
	e := NewEntry(finishedJob(), models.StatusProcessed, models.Outcome{Transcript: "secret-ish output"}, nil, []string{"password"})
	require.NoError(t, l.Record(context.Background(), e))

	require.Len(t, hook.Entries, 1)
	for k, v := range hook.LastEntry().Data {
		assert.NotContains(t, k, "password")
		if s, ok := v.(string); ok {
			assert.NotContains(t, s, "hunter2")
			assert.NotContains(t, s, "become-me")
		}
	}
	assert.Equal(t, "job-1", hook.LastEntry().Data["job_id"])
}

type fakeUploader struct {
	mu   sync.Mutex
	keys []string
	body string
	err  error
}

func (f *fakeUploader) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	b, _ := io.ReadAll(in.Body)
	f.keys = append(f.keys, aws.ToString(in.Key))
	f.body = string(b)
	return &s3.PutObjectOutput{}, nil
}

func TestArchiveMovesOversizeTranscript(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	up := &fakeUploader{}
	a := &Archive{Next: mem, Client: up, Bucket: "netspot-logs", Prefix: "transcripts/", MaxInline: 8}

	require.NoError(t, a.Record(ctx, Entry{JobID: "small", Output: "short"}))
	require.NoError(t, a.Record(ctx, Entry{JobID: "big", Output: "0123456789abcdef"}))

	entries := mem.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "short", entries[0].Output)
	assert.Empty(t, entries[0].TranscriptKey)

	assert.Equal(t, "transcripts/big.log", entries[1].TranscriptKey)
	assert.Equal(t, "01234567", entries[1].Output)
	assert.Equal(t, []string{"transcripts/big.log"}, up.keys)
	assert.Equal(t, "0123456789abcdef", up.body)
}

func TestArchiveKeepsInlineOnUploadFailure(t *testing.T) {
	mem := NewMemory()
	logger, hook := test.NewNullLogger()
	a := &Archive{
		Next:      mem,
		Client:    &fakeUploader{err: errors.New("access denied")},
		Bucket:    "netspot-logs",
		MaxInline: 4,
		Log:       logrus.NewEntry(logger),
	}
	require.NoError(t, a.Record(context.Background(), Entry{JobID: "big", Output: "0123456789"}))
	assert.Equal(t, "0123456789", mem.Entries()[0].Output)
	assert.Empty(t, mem.Entries()[0].TranscriptKey)
	assert.Len(t, hook.Entries, 1)
}

func TestTruncateKeepsRunes(t *testing.T) {
	assert.Equal(t, "ab", truncate("abcdef", 2))
	assert.Equal(t, "a", truncate("aéb", 2), "é is two bytes")
	assert.Equal(t, "", truncate("abc", 0))
	assert.Equal(t, "abc", truncate("abc", 10))
}

func TestArchiveAgainstS3Endpoint(t *testing.T) {
	var (
		mu   sync.Mutex
		path string
		body string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		path = r.URL.Path
		body = string(b)
		mu.Unlock()
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := s3.New(s3.Options{
		Region:                     "us-east-1",
		BaseEndpoint:               aws.String(srv.URL),
		UsePathStyle:               true,
		Credentials:                aws.AnonymousCredentials{},
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
	})
	mem := NewMemory()
	a := &Archive{Next: mem, Client: client, Bucket: "netspot-logs", Prefix: "t/", MaxInline: 3}
	require.NoError(t, a.Record(context.Background(), Entry{JobID: "job-9", Output: "TASK [gather facts]"}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/netspot-logs/t/job-9.log", path)
	assert.Contains(t, body, "TASK [gather facts]")
	assert.Equal(t, "t/job-9.log", mem.Entries()[0].TranscriptKey)
}

func TestMongoLog(t *testing.T) {
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	client, err := mongodb.Connect(ctx, uri)
	require.NoError(t, err)
	defer mongodb.Disconnect(client)

	coll := client.Database("netspot_test").Collection("playbook_logs_" + time.Now().Format("150405.000000"))
	defer coll.Drop(ctx)
	log := NewMongo(coll)

	e := NewEntry(finishedJob(), models.StatusProcessed, models.Outcome{Transcript: "ok"}, nil, []string{"password"})
	require.NoError(t, log.Record(ctx, e))
	time.Sleep(5 * time.Millisecond)
	e.JobID = "job-2"
	e.RecordedAt = time.Now().UTC()
	require.NoError(t, log.Record(ctx, e))

	list, err := log.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "job-2", list[0].JobID)
	assert.Equal(t, []string{"vlan", "username"}, list[1].Arguments.Keys())

	got, err := log.Get(ctx, list[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.JobID)

	_, err = log.Get(ctx, "not-an-object-id")
	assert.ErrorIs(t, err, ErrNotFound)
}
