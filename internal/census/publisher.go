package census

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"censusbuilder/internal/blob"
	"censusbuilder/pkg/domain"

	"go.uber.org/zap"
)

// ManifestName is the manifest file name alongside the published census.
const ManifestName = "manifest.json"

// PublishInfo identifies a published census build.
type PublishInfo struct {
	CensusKey   string `json:"census_key"`
	ManifestKey string `json:"manifest_key"`
	CensusETag  string `json:"census_etag,omitempty"`
	CensusURL   string `json:"census_url,omitempty"`
	SizeBytes   int64  `json:"size_bytes"`
}

// Publisher uploads a validated census and its manifest to object storage
// under the build tag. Keys are create-only: re-publishing a build tag is an
// error, never an overwrite.
type Publisher struct {
	store  blob.Store
	prefix string
	log    *zap.Logger
}

// NewPublisher constructs a publisher rooted at prefix. A nil logger is
// replaced with a nop.
func NewPublisher(store blob.Store, prefix string, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{store: store, prefix: prefix, log: log}
}

// Publish uploads the census database at censusPath and the manifest under
// <prefix>/<build_tag>/.
func (p *Publisher) Publish(ctx context.Context, censusPath string, m domain.Manifest) (PublishInfo, error) {
	if m.BuildTag == "" {
		return PublishInfo{}, errors.New("publish: empty build tag")
	}
	censusKey := path.Join(p.prefix, m.BuildTag, ArtifactName)
	manifestKey := path.Join(p.prefix, m.BuildTag, ManifestName)

	f, err := os.Open(censusPath)
	if err != nil {
		return PublishInfo{}, fmt.Errorf("open census artifact: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := p.store.Put(ctx, censusKey, f, blob.PutOptions{
		ContentType: "application/vnd.sqlite3",
		Metadata: map[string]string{
			"build_id":              m.BuildID,
			"build_tag":             m.BuildTag,
			"census_schema_version": m.CensusSchemaVersion,
		},
	})
	if err != nil {
		return PublishInfo{}, fmt.Errorf("publish census: %w", err)
	}

	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return PublishInfo{}, fmt.Errorf("encode manifest: %w", err)
	}
	if _, err := p.store.Put(ctx, manifestKey, bytes.NewReader(payload), blob.PutOptions{ContentType: "application/json"}); err != nil {
		// Keys are create-only, so an orphaned census object would make the
		// build tag permanently unpublishable. Undo the first upload so a
		// later attempt can start clean.
		if _, derr := p.store.Delete(ctx, censusKey); derr != nil {
			p.log.Warn("remove orphaned census object", zap.String("key", censusKey), zap.Error(derr))
		}
		return PublishInfo{}, fmt.Errorf("publish manifest: %w", err)
	}

	out := PublishInfo{
		CensusKey:   censusKey,
		ManifestKey: manifestKey,
		CensusETag:  info.ETag,
		SizeBytes:   info.Size,
	}
	url, err := p.store.PresignURL(ctx, censusKey, blob.SignedURLOptions{Method: "GET", Expiry: 24 * time.Hour})
	switch {
	case err == nil:
		out.CensusURL = url
	case errors.Is(err, blob.ErrUnsupported):
		out.CensusURL = info.URL
	default:
		p.log.Warn("presign census url", zap.Error(err))
	}

	p.log.Info("census published",
		zap.String("build_tag", m.BuildTag),
		zap.String("census_key", censusKey),
		zap.Int64("size_bytes", out.SizeBytes))
	return out, nil
}
