package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/intent-engine/internal/analytics"
	"github.com/ignite/intent-engine/internal/domain"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	failOn  int
	calls   int
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failOn > 0 && f.calls == f.failOn {
		return nil, errors.New("slow down")
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) keys() []string {
	var out []string
	for k := range f.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type fakeSource struct {
	records []analytics.Record
	err     error
}

func (s *fakeSource) Expired(_ context.Context, before time.Time, afterID string, limit int) ([]analytics.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []analytics.Record
	for _, r := range s.records {
		if r.OccurredAt.Before(before) && r.EventID > afterID {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

var cutoff = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

func records(n int) []analytics.Record {
	out := make([]analytics.Record, n)
	for i := range out {
		out[i] = analytics.Record{
			EventID:    string(rune('a' + i)),
			WebsiteID:  "w1",
			VisitorID:  "v1",
			EventType:  domain.EventPageView,
			OccurredAt: cutoff.Add(-time.Hour),
		}
	}
	return out
}

func countLines(t *testing.T, body []byte) int {
	t.Helper()
	n := 0
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var r analytics.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		n++
	}
	return n
}

func TestArchive_Batches(t *testing.T) {
	s3c := &fakeS3{}
	src := &fakeSource{records: records(5)}
	src.records = append(src.records, analytics.Record{EventID: "z", OccurredAt: cutoff.Add(time.Hour)})

	a := NewArchiver(s3c, src, ArchiveConfig{Bucket: "archive", BatchSize: 2})
	n, err := a.Archive(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	keys := s3c.keys()
	require.Len(t, keys, 3)
	assert.Equal(t, "analytics-archive/2026/03/10/1773100800-00000.jsonl", keys[0])
	assert.Equal(t, 2, countLines(t, s3c.objects[keys[0]]))
	assert.Equal(t, 1, countLines(t, s3c.objects[keys[2]]))
}

func TestArchive_NothingExpired(t *testing.T) {
	s3c := &fakeS3{}
	n, err := NewArchiver(s3c, &fakeSource{}, ArchiveConfig{Bucket: "archive"}).Archive(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, s3c.calls)
}

func TestArchive_PutFailureStops(t *testing.T) {
	s3c := &fakeS3{failOn: 2}
	a := NewArchiver(s3c, &fakeSource{records: records(4)}, ArchiveConfig{Bucket: "archive", BatchSize: 2})

	n, err := a.Archive(context.Background(), cutoff)
	require.Error(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, s3c.calls)
}

func TestArchive_SourceError(t *testing.T) {
	a := NewArchiver(&fakeS3{}, &fakeSource{err: errors.New("conn reset")}, ArchiveConfig{Bucket: "archive"})
	_, err := a.Archive(context.Background(), cutoff)
	assert.ErrorContains(t, err, "conn reset")
}

func TestArchiveConfig_Enabled(t *testing.T) {
	assert.False(t, ArchiveConfig{}.Enabled())
	assert.True(t, ArchiveConfig{Bucket: "b"}.Enabled())
}
