package blob

import (
	"bytes"
	"context"
	"io"
	"testing"
)

func newTempFS(t *testing.T) *Filesystem {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}
	return fs
}

func TestFilesystem_PutGetHeadListDelete(t *testing.T) {
	ctx := context.Background()
	fs := newTempFS(t)
	info, err := fs.Put(ctx, "datasets/d1.zip", bytes.NewReader([]byte("hello")), PutOptions{ContentType: "application/zip", Metadata: map[string]string{"dataset_id": "d1"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "datasets/d1.zip" || info.Size != 5 {
		t.Fatalf("unexpected info %+v", info)
	}
	// create-only contract
	if _, err := fs.Put(ctx, "datasets/d1.zip", bytes.NewReader([]byte("x")), PutOptions{}); err == nil {
		t.Fatalf("expected duplicate failure")
	}
	h, err := fs.Head(ctx, "datasets/d1.zip")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if h.ETag == "" {
		t.Fatalf("etag expected")
	}
	g, rc, err := fs.Get(ctx, "datasets/d1.zip")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	if err := rc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if string(b) != "hello" || g.ETag != h.ETag {
		t.Fatalf("get mismatch")
	}
	list, err := fs.List(ctx, "datasets/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Key != "datasets/d1.zip" {
		t.Fatalf("unexpected list %+v", list)
	}
	if url, err := fs.PresignURL(ctx, "datasets/d1.zip", SignedURLOptions{}); err != nil || url == "" {
		t.Fatalf("presign: %v %s", err, url)
	}
	ok, err := fs.Delete(ctx, "datasets/d1.zip")
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	ok, err = fs.Delete(ctx, "datasets/d1.zip")
	if err != nil || ok {
		t.Fatalf("second delete should be false")
	}
}

func TestFilesystem_PathTraversal(t *testing.T) {
	ctx := context.Background()
	fs := newTempFS(t)
	if _, err := fs.Put(ctx, "../escape", bytes.NewReader([]byte("x")), PutOptions{}); err == nil {
		t.Fatalf("expected traversal error")
	}
	if _, err := fs.Put(ctx, "/abs", bytes.NewReader([]byte("x")), PutOptions{}); err == nil {
		t.Fatalf("expected absolute error")
	}
	if _, err := fs.Put(ctx, "  ", bytes.NewReader([]byte("x")), PutOptions{}); err == nil {
		t.Fatalf("expected empty key error")
	}
}

func TestMemory_Roundtrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if m.Driver() != DriverMemory {
		t.Fatalf("driver mismatch")
	}
	if _, err := m.Put(ctx, "a/b", bytes.NewReader([]byte("payload")), PutOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := m.Put(ctx, "a/b", bytes.NewReader(nil), PutOptions{}); err == nil {
		t.Fatalf("expected duplicate failure")
	}
	info, rc, err := m.Get(ctx, "a/b")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != "payload" || info.Size != 7 {
		t.Fatalf("roundtrip mismatch: %q %+v", b, info)
	}
	list, err := m.List(ctx, "a/")
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %+v", err, list)
	}
	if _, err := m.PresignURL(ctx, "a/b", SignedURLOptions{}); err != ErrUnsupported {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if ok, _ := m.Delete(ctx, "a/b"); !ok {
		t.Fatalf("delete should report existed")
	}
}

func TestOpenFactory(t *testing.T) {
	ctx := context.Background()
	t.Setenv("CENSUS_BLOB_DRIVER", "memory")
	st, err := Open(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if st.Driver() != DriverMemory {
		t.Fatalf("expected memory driver")
	}
	t.Setenv("CENSUS_BLOB_DRIVER", "bogus")
	if _, err := Open(ctx); err == nil {
		t.Fatalf("expected unknown driver error")
	}
	t.Setenv("CENSUS_BLOB_DRIVER", "s3")
	t.Setenv("CENSUS_BLOB_S3_BUCKET", "")
	if _, err := Open(ctx); err == nil {
		t.Fatalf("expected missing bucket error")
	}
}
