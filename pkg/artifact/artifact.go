package artifact

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/disintegration/imaging"
	"google.golang.org/api/option"
)

// Uploader persists a generated image and returns a stable reference to it.
// Uploading the same fingerprint twice must overwrite the same object so a
// retried job never accumulates orphaned artifacts.
type Uploader interface {
	Upload(ctx context.Context, fingerprint, mime string, data []byte) (string, error)
}

// GCS implements Uploader on a Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS connects with Application Default Credentials unless
// GCS_CREDENTIALS_JSON provides explicit JSON.
func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	var client *storage.Client
	var err error
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		client, err = storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	} else {
		client, err = storage.NewClient(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

// Upload writes the artifact to a fingerprint-derived object name. The object
// name is deterministic, so re-uploads from retried attempts are idempotent.
func (g *GCS) Upload(ctx context.Context, fingerprint, mime string, data []byte) (string, error) {
	object := objectName(fingerprint, mime)
	wc := g.client.Bucket(g.bucket).Object(object).NewWriter(ctx)
	wc.ContentType = mime
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return "", fmt.Errorf("upload %s: %w", object, err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("upload %s: %w", object, err)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", g.bucket, object), nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}

func objectName(fingerprint, mime string) string {
	ext := ".png"
	switch mime {
	case "image/jpeg":
		ext = ".jpg"
	case "image/gif":
		ext = ".gif"
	case "image/webp":
		ext = ".webp"
	}
	return "artifacts/" + strings.ReplaceAll(fingerprint, ":", "_") + ext
}

// Thumbnail renders a JPEG preview no wider than maxWidth for the chat embed.
func Thumbnail(data []byte, maxWidth int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if img.Bounds().Dx() > maxWidth {
		img = imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
