// Package backup exports the store to a JSON snapshot and ships it to
// Google Cloud Storage.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"harvestline/internal/domain"
	"harvestline/internal/repo"
)

const (
	pageSize = 500
	rowCap   = 100000
)

// Source is the read side of the store a snapshot is taken from.
type Source interface {
	ListProblems(ctx context.Context, f repo.ProblemFilter) ([]domain.ExternalProblem, error)
	ListSolutions(ctx context.Context, limit int) ([]domain.SolutionSubmission, error)
	ListFeedback(ctx context.Context, solutionID string, limit int) ([]domain.FeedbackRecord, error)
	Stats(ctx context.Context) (domain.Stats, error)
}

type Snapshot struct {
	CreatedAt string                      `json:"created_at"`
	Stats     domain.Stats                `json:"stats"`
	Problems  []domain.ExternalProblem    `json:"problems"`
	Solutions []domain.SolutionSubmission `json:"solutions"`
	Feedback  []domain.FeedbackRecord     `json:"feedback"`
}

// Take reads problems, solutions, feedback and aggregate stats.
func Take(ctx context.Context, src Source, now time.Time) (Snapshot, error) {
	snap := Snapshot{CreatedAt: now.UTC().Format(time.RFC3339)}
	for offset := 0; offset < rowCap; offset += pageSize {
		page, err := src.ListProblems(ctx, repo.ProblemFilter{Limit: pageSize, Offset: offset})
		if err != nil {
			return snap, fmt.Errorf("list problems: %w", err)
		}
		snap.Problems = append(snap.Problems, page...)
		if len(page) < pageSize {
			break
		}
	}
	var err error
	if snap.Solutions, err = src.ListSolutions(ctx, rowCap); err != nil {
		return snap, fmt.Errorf("list solutions: %w", err)
	}
	if snap.Feedback, err = src.ListFeedback(ctx, "", rowCap); err != nil {
		return snap, fmt.Errorf("list feedback: %w", err)
	}
	if snap.Stats, err = src.Stats(ctx); err != nil {
		return snap, fmt.Errorf("stats: %w", err)
	}
	if snap.Problems == nil {
		snap.Problems = []domain.ExternalProblem{}
	}
	return snap, nil
}

// WriteFile writes the snapshot as indented JSON, creating parent directories.
func WriteFile(p string, snap Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

// FileName is the snapshot name for time t.
func FileName(t time.Time) string {
	return "harvestline-" + t.UTC().Format("20060102T150405Z") + ".json"
}

// ObjectName joins the bucket prefix and the snapshot file name.
func ObjectName(prefix, localPath string) string {
	return path.Join(prefix, filepath.Base(localPath))
}

// GCS uploads snapshots to a bucket.
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS connects with a service account key when credentialsFile is set and
// with application default credentials otherwise.
func NewGCS(ctx context.Context, bucket, credentialsFile string) (*GCS, error) {
	if bucket == "" {
		return nil, fmt.Errorf("%w: gcs bucket is required", domain.ErrInvalid)
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("service account key %s: %w", credentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

// Upload copies a local file to gs://bucket/object.
func (g *GCS) Upload(ctx context.Context, localPath, object string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w := g.client.Bucket(g.bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("copy %s to gs://%s/%s: %w", localPath, g.bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize gs://%s/%s: %w", g.bucket, object, err)
	}
	return nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}
