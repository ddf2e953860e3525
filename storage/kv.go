package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/casegen/testcase"
)

// DefaultBucket is the KV bucket holding accepted cases.
const DefaultBucket = "CASEGEN_ACCEPTED"

// KV stores accepted cases in a NATS JetStream key-value bucket keyed by
// case ID.
type KV struct {
	bucket jetstream.KeyValue
	now    func() time.Time
}

// NewKV opens the bucket, creating it on first use. An empty bucket name
// uses DefaultBucket.
func NewKV(ctx context.Context, nc *nats.Conn, bucket string) (*KV, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	if bucket == "" {
		bucket = DefaultBucket
	}

	kv, err := getOrCreateBucket(ctx, js, bucket)
	if err != nil {
		return nil, fmt.Errorf("get %s bucket: %w", bucket, err)
	}

	return &KV{bucket: kv, now: time.Now}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Casegen %s storage", strings.ToLower(name)),
		History:     5,
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound)
}

// SaveCases writes each case under its ID. Existing entries are replaced.
func (s *KV) SaveCases(ctx context.Context, target, batchID, featureName string, cases []testcase.TestCase) error {
	acceptedAt := s.now().UTC()
	for _, tc := range cases {
		data, err := json.Marshal(NewRecord(target, batchID, featureName, tc, acceptedAt))
		if err != nil {
			return fmt.Errorf("marshal case %s: %w", tc.ID, err)
		}
		if _, err := s.bucket.Put(ctx, tc.ID, data); err != nil {
			return fmt.Errorf("store case %s: %w", tc.ID, err)
		}
	}
	return nil
}

// Get returns one stored record.
func (s *KV) Get(ctx context.Context, id string) (*Record, error) {
	entry, err := s.bucket.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get case %s: %w", id, err)
	}

	var r Record
	if err := json.Unmarshal(entry.Value(), &r); err != nil {
		return nil, fmt.Errorf("unmarshal case %s: %w", id, err)
	}
	return &r, nil
}

// ListByTarget returns the records stored under target, oldest first.
func (s *KV) ListByTarget(ctx context.Context, target string) ([]Record, error) {
	all, err := s.list(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(all))
	for _, r := range all {
		if r.Target == target {
			records = append(records, r)
		}
	}
	return records, nil
}

// Targets returns every distinct target with at least one stored case.
func (s *KV) Targets(ctx context.Context) ([]string, error) {
	all, err := s.list(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var targets []string
	for _, r := range all {
		if !seen[r.Target] {
			seen[r.Target] = true
			targets = append(targets, r.Target)
		}
	}
	sort.Strings(targets)
	return targets, nil
}

func (s *KV) list(ctx context.Context) ([]Record, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list case keys: %w", err)
	}

	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		r, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue // Deleted between Keys and Get
		}
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].AcceptedAt.Equal(records[j].AcceptedAt) {
			return records[i].AcceptedAt.Before(records[j].AcceptedAt)
		}
		return records[i].ID < records[j].ID
	})
	return records, nil
}

// Delete removes one stored case.
func (s *KV) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.bucket.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete case %s: %w", id, err)
	}
	return nil
}
