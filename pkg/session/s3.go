package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/vango-dev/duet/pkg/protocol"
)

// S3API is the subset of the S3 client used by S3Store. *s3.Client
// satisfies it.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store keeps archives in S3. Every Append writes one segment object
// holding a JSON array of events; Complete writes a trailer object.
//
// Keys:
//
//	<prefix><sessionID>/events/<seq>.json
//	<prefix><sessionID>/trailer.json
//
// Example usage:
//
//	cfg, _ := config.LoadDefaultConfig(context.Background())
//	store := session.NewS3Store(s3.NewFromConfig(cfg), "my-bucket", "archives/")
type S3Store struct {
	client S3API
	bucket string
	prefix string

	mu     sync.Mutex
	next   map[string]int64
	closed bool
}

// NewS3Store creates a new S3 archive store.
//
// Parameters:
//   - client: S3 client from aws-sdk-go-v2
//   - bucket: S3 bucket name
//   - prefix: Key prefix for archives (e.g., "archives/")
func NewS3Store(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
		next:   make(map[string]int64),
	}
}

func (s *S3Store) sessionPrefix(sessionID string) string {
	return s.prefix + sessionID + "/"
}

func (s *S3Store) segmentKey(sessionID string, seq int64) string {
	// Zero padding keeps lexical and numeric order equal.
	return fmt.Sprintf("%sevents/%020d.json", s.sessionPrefix(sessionID), seq)
}

func (s *S3Store) trailerKey(sessionID string) string {
	return s.sessionPrefix(sessionID) + "trailer.json"
}

func (s *S3Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// segments lists the segment keys of a session in order.
func (s *S3Store) segments(ctx context.Context, sessionID string) ([]string, error) {
	prefix := s.sessionPrefix(sessionID) + "events/"
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("session: list archive segments: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// nextSeq returns the next segment number for a session.
func (s *S3Store) nextSeq(ctx context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	seq, ok := s.next[sessionID]
	s.mu.Unlock()
	if ok {
		return seq, nil
	}

	keys, err := s.segments(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	seq = int64(len(keys))
	if n := len(keys); n > 0 {
		var last int64
		name := strings.TrimSuffix(keys[n-1][strings.LastIndex(keys[n-1], "/")+1:], ".json")
		if _, err := fmt.Sscanf(name, "%d", &last); err == nil && last >= seq {
			seq = last + 1
		}
	}
	return seq, nil
}

func (s *S3Store) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3Store) put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	return err
}

// Append writes events as a new segment and removes any trailer.
func (s *S3Store) Append(ctx context.Context, sessionID string, events []protocol.Event) error {
	if s.isClosed() {
		return ErrStoreClosed{}
	}

	seq, err := s.nextSeq(ctx, sessionID)
	if err != nil {
		return err
	}

	if events == nil {
		events = []protocol.Event{}
	}
	data, err := json.Marshal(events)
	if err != nil {
		return err
	}
	if err := s.put(ctx, s.segmentKey(sessionID, seq), data); err != nil {
		return fmt.Errorf("session: put archive segment: %w", err)
	}

	s.mu.Lock()
	s.next[sessionID] = seq + 1
	s.mu.Unlock()

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.trailerKey(sessionID)),
	})
	return err
}

// Complete writes the trailer object.
func (s *S3Store) Complete(ctx context.Context, sessionID string, channels []protocol.ChannelID) error {
	if s.isClosed() {
		return ErrStoreClosed{}
	}

	if channels == nil {
		channels = []protocol.ChannelID{}
	}
	data, err := json.Marshal(channels)
	if err != nil {
		return err
	}
	if err := s.put(ctx, s.trailerKey(sessionID), data); err != nil {
		return fmt.Errorf("session: put archive trailer: %w", err)
	}
	return nil
}

// Read concatenates a session's segments and loads its trailer.
func (s *S3Store) Read(ctx context.Context, sessionID string) (*protocol.Archive, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed{}
	}

	keys, err := s.segments(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	a := &protocol.Archive{Events: []protocol.Event{}}
	for _, key := range keys {
		data, err := s.get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("session: get archive segment: %w", err)
		}
		var events []protocol.Event
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("%w: segment %s: %v", protocol.ErrInvalidArchive, key, err)
		}
		a.Events = append(a.Events, events...)
	}

	data, err := s.get(ctx, s.trailerKey(sessionID))
	var missing *types.NoSuchKey
	switch {
	case errors.As(err, &missing):
		if len(keys) == 0 {
			return nil, nil
		}
	case err != nil:
		return nil, fmt.Errorf("session: get archive trailer: %w", err)
	default:
		a.Channels = []protocol.ChannelID{}
		if err := json.Unmarshal(data, &a.Channels); err != nil {
			return nil, fmt.Errorf("%w: trailer: %v", protocol.ErrInvalidArchive, err)
		}
		a.Complete = true
	}
	return a, nil
}

// Delete removes every object of a session.
func (s *S3Store) Delete(ctx context.Context, sessionID string) error {
	if s.isClosed() {
		return ErrStoreClosed{}
	}

	keys, err := s.segments(ctx, sessionID)
	if err != nil {
		return err
	}
	keys = append(keys, s.trailerKey(sessionID))

	// DeleteObjects accepts at most 1000 keys per call.
	for start := 0; start < len(keys); start += 1000 {
		end := min(start+1000, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("session: delete archive: %w", err)
		}
	}

	s.mu.Lock()
	delete(s.next, sessionID)
	s.mu.Unlock()
	return nil
}

// Close shuts down the store. The client is not closed.
func (s *S3Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
