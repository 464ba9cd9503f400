package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Filesystem implements Store on a local directory. Object bytes live under
// <root>/objects/<key>; each object has a JSON descriptor under
// <root>/.meta/<key>.json. The descriptor is claimed with O_EXCL, which is
// what makes Put create-only: two writers racing on a key see exactly one
// winner.
type Filesystem struct {
	objects string
	descs   string
}

// NewFilesystem returns a filesystem store rooted at root, creating the
// layout if needed.
func NewFilesystem(root string) (*Filesystem, error) {
	if root == "" {
		root = "./blobdata"
	}
	s := &Filesystem{
		objects: filepath.Join(root, "objects"),
		descs:   filepath.Join(root, ".meta"),
	}
	for _, dir := range []string{s.objects, s.descs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("init blob root: %w", err)
		}
	}
	return s, nil
}

func (s *Filesystem) Driver() Driver { return DriverFilesystem }

// cleanKey normalizes a key to a relative slash path and rejects anything
// that could escape the store root.
func cleanKey(key string) (string, error) {
	k := path.Clean(strings.TrimSpace(key))
	if k == "" || k == "." || k == ".." {
		return "", fmt.Errorf("blob: empty key")
	}
	if path.IsAbs(k) {
		return "", fmt.Errorf("blob: key %q is absolute", key)
	}
	for _, seg := range strings.Split(k, "/") {
		if seg == ".." {
			return "", fmt.Errorf("blob: key %q escapes the store root", key)
		}
	}
	return k, nil
}

// descriptor is the persisted per-object record.
type descriptor struct {
	Key         string            `json:"key"`
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ETag        string            `json:"etag"`
	Size        int64             `json:"size_bytes"`
	CreatedAt   time.Time         `json:"created_at"`
}

func (d descriptor) info(u string) Info {
	return Info{
		Key:          d.Key,
		Size:         d.Size,
		ContentType:  d.ContentType,
		ETag:         d.ETag,
		Metadata:     cloneMetadata(d.Metadata),
		LastModified: d.CreatedAt,
		URL:          u,
	}
}

func (s *Filesystem) Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error) {
	k, err := cleanKey(key)
	if err != nil {
		return Info{}, err
	}
	descPath := filepath.Join(s.descs, filepath.FromSlash(k)+".json")
	if err := os.MkdirAll(filepath.Dir(descPath), 0o755); err != nil {
		return Info{}, err
	}
	// claim the key first; O_EXCL makes re-publication an error, not an
	// overwrite
	claim, err := os.OpenFile(descPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return Info{}, fmt.Errorf("blob %s already exists", k)
		}
		return Info{}, err
	}
	objPath := filepath.Join(s.objects, filepath.FromSlash(k))
	d, err := s.writeObject(objPath, k, r, opts)
	if err != nil {
		_ = claim.Close()
		_ = os.Remove(descPath)
		return Info{}, err
	}
	enc := json.NewEncoder(claim)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		_ = claim.Close()
		_ = os.Remove(descPath)
		_ = os.Remove(objPath)
		return Info{}, fmt.Errorf("write descriptor %s: %w", k, err)
	}
	if err := claim.Close(); err != nil {
		return Info{}, err
	}
	return d.info(s.fileURL(k)), nil
}

func (s *Filesystem) writeObject(objPath, key string, r io.Reader, opts PutOptions) (descriptor, error) {
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return descriptor{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(objPath), ".upload-*")
	if err != nil {
		return descriptor{}, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	digest := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, digest), r)
	if err != nil {
		_ = tmp.Close()
		return descriptor{}, fmt.Errorf("store object %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return descriptor{}, err
	}
	if err := tmp.Close(); err != nil {
		return descriptor{}, err
	}
	if err := os.Rename(tmp.Name(), objPath); err != nil {
		return descriptor{}, err
	}
	return descriptor{
		Key:         key,
		ContentType: opts.ContentType,
		Metadata:    cloneMetadata(opts.Metadata),
		ETag:        hex.EncodeToString(digest.Sum(nil)),
		Size:        size,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (s *Filesystem) Get(ctx context.Context, key string) (Info, io.ReadCloser, error) {
	k, err := cleanKey(key)
	if err != nil {
		return Info{}, nil, err
	}
	d, err := s.readDescriptor(k)
	if err != nil {
		return Info{}, nil, err
	}
	f, err := os.Open(filepath.Join(s.objects, filepath.FromSlash(k)))
	if err != nil {
		return Info{}, nil, err
	}
	return d.info(s.fileURL(k)), f, nil
}

func (s *Filesystem) Head(ctx context.Context, key string) (Info, error) {
	k, err := cleanKey(key)
	if err != nil {
		return Info{}, err
	}
	d, err := s.readDescriptor(k)
	if err != nil {
		return Info{}, err
	}
	return d.info(s.fileURL(k)), nil
}

func (s *Filesystem) Delete(ctx context.Context, key string) (bool, error) {
	k, err := cleanKey(key)
	if err != nil {
		return false, err
	}
	descPath := filepath.Join(s.descs, filepath.FromSlash(k)+".json")
	if err := os.Remove(descPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	// descriptor gone means the key is released; object removal is cleanup
	_ = os.Remove(filepath.Join(s.objects, filepath.FromSlash(k)))
	return true, nil
}

func (s *Filesystem) List(ctx context.Context, prefix string) ([]Info, error) {
	var infos []Info
	err := filepath.WalkDir(s.descs, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if de.IsDir() || !strings.HasSuffix(p, ".json") {
			return nil
		}
		rel, err := filepath.Rel(s.descs, p)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), ".json")
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}
		d, err := s.readDescriptor(key)
		if err != nil {
			return err
		}
		infos = append(infos, d.info(s.fileURL(key)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (s *Filesystem) PresignURL(ctx context.Context, key string, opts SignedURLOptions) (string, error) {
	if opts.Method != "" && !strings.EqualFold(opts.Method, "GET") {
		return "", ErrUnsupported
	}
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if _, err := s.readDescriptor(k); err != nil {
		return "", err
	}
	return s.fileURL(k), nil
}

func (s *Filesystem) readDescriptor(key string) (descriptor, error) {
	raw, err := os.ReadFile(filepath.Join(s.descs, filepath.FromSlash(key)+".json"))
	if err != nil {
		return descriptor{}, err
	}
	var d descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return descriptor{}, fmt.Errorf("descriptor %s corrupt: %w", key, err)
	}
	return d, nil
}

func (s *Filesystem) fileURL(key string) string {
	abs, err := filepath.Abs(filepath.Join(s.objects, filepath.FromSlash(key)))
	if err != nil {
		abs = filepath.Join(s.objects, filepath.FromSlash(key))
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}
