package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/animus-labs/runsync/internal/run"
)

// Putter stores one object. It is the slice of the MinIO client the archiver
// needs.
type Putter interface {
	Put(ctx context.Context, bucket, key string, body []byte, contentType string) error
}

// SnapshotArchiver writes every registry write-back as a JSON object keyed
// <prefix>/<generation>/<cycle>.json.
type SnapshotArchiver struct {
	putter Putter
	bucket string
	prefix string
	now    func() time.Time
}

type archivedSnapshot struct {
	Generation string         `json:"generation"`
	Cycle      int            `json:"cycle"`
	WrittenAt  time.Time      `json:"written_at"`
	Runs       []run.Snapshot `json:"runs"`
}

func NewSnapshotArchiver(client *minio.Client, bucket, prefix string) (*SnapshotArchiver, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	return newSnapshotArchiver(minioPutter{client: client}, bucket, prefix)
}

func newSnapshotArchiver(putter Putter, bucket, prefix string) (*SnapshotArchiver, error) {
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &SnapshotArchiver{putter: putter, bucket: bucket, prefix: prefix, now: time.Now}, nil
}

// Key returns the object key for one write-back.
func (a *SnapshotArchiver) Key(generation string, cycle int) string {
	return path.Join(a.prefix, generation, fmt.Sprintf("%08d.json", cycle))
}

func (a *SnapshotArchiver) Archive(ctx context.Context, generation string, cycle int, runs []run.Snapshot) error {
	if runs == nil {
		runs = []run.Snapshot{}
	}
	body, err := json.Marshal(archivedSnapshot{
		Generation: generation,
		Cycle:      cycle,
		WrittenAt:  a.now().UTC(),
		Runs:       runs,
	})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	key := a.Key(generation, cycle)
	if err := a.putter.Put(ctx, a.bucket, key, body, "application/json"); err != nil {
		return fmt.Errorf("put %s/%s: %w", a.bucket, key, err)
	}
	return nil
}
