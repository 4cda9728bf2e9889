package session

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/vango-dev/duet/pkg/protocol"
)

// fakeS3 is an in-memory bucket implementing S3API.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	// pageSize forces pagination when positive.
	pageSize int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[*in.Key] = data
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	data, ok := f.objects[*in.Key]
	f.mu.Unlock()
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	delete(f.objects, *in.Key)
	f.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	for _, obj := range in.Delete.Objects {
		delete(f.objects, *obj.Key)
	}
	f.mu.Unlock()
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	f.mu.Unlock()
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		start = sort.SearchStrings(keys, *in.ContinuationToken)
	}
	end := len(keys)
	if f.pageSize > 0 && start+f.pageSize < end {
		end = start + f.pageSize
	}

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func TestS3Store(t *testing.T) {
	testArchiveStore(t, NewS3Store(newFakeS3(), "bucket", "archives/"))
}

func TestS3Store_SegmentsAcrossPages(t *testing.T) {
	client := newFakeS3()
	client.pageSize = 2
	store := NewS3Store(client, "bucket", "archives/")
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if err := store.Append(ctx, "s", []protocol.Event{ev(protocol.ChannelID(i), `0`)}); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	a, err := store.Read(ctx, "s")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(a.Events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(a.Events))
	}
	for i, e := range a.Events {
		if e.Channel != protocol.ChannelID(i+1) {
			t.Errorf("event %d: channel %d", i, e.Channel)
		}
	}
}

func TestS3Store_ContinuesNumberingAfterRestart(t *testing.T) {
	client := newFakeS3()
	ctx := context.Background()

	first := NewS3Store(client, "bucket", "")
	_ = first.Append(ctx, "s", []protocol.Event{ev(1, `1`)})
	_ = first.Append(ctx, "s", []protocol.Event{ev(2, `2`)})

	second := NewS3Store(client, "bucket", "")
	if err := second.Append(ctx, "s", []protocol.Event{ev(3, `3`)}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	a, _ := second.Read(ctx, "s")
	if len(a.Events) != 3 || a.Events[2].Channel != 3 {
		t.Errorf("unexpected events: %+v", a.Events)
	}
	if _, ok := client.objects["s/events/00000000000000000002.json"]; !ok {
		t.Errorf("expected third segment key, have %v", client.objects)
	}
}
