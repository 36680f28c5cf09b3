package objectstore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	platformstore "github.com/montylab/simorch/internal/platform/objectstore"
)

func newTestStore(t *testing.T, handler http.Handler) *MinioStore {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	store, err := NewMinioStore(platformstore.Config{
		Endpoint:          strings.TrimPrefix(srv.URL, "http://"),
		AccessKey:         "a",
		SecretKey:         "b",
		Region:            "us-east-1",
		BucketCheckpoints: "ckpt",
		BucketArtifacts:   "art",
	})
	if err != nil {
		t.Fatalf("NewMinioStore: %v", err)
	}
	return store
}

func TestStatMapsNotFound(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	_, err := store.Stat(context.Background(), "ckpt", "checkpoints/run-1/out.mstate")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestListDecodesObjects(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/art/" && r.URL.Path != "/art" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("prefix"); got != "runs/run-1/artifacts/" {
			t.Errorf("prefix=%q", got)
		}
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><Name>art</Name><Prefix>runs/run-1/artifacts/</Prefix><KeyCount>2</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated><Contents><Key>runs/run-1/artifacts/episode.mp4</Key><LastModified>2026-01-02T03:04:05.000Z</LastModified><ETag>"a1"</ETag><Size>10</Size><StorageClass>STANDARD</StorageClass></Contents><Contents><Key>runs/run-1/artifacts/metrics.csv</Key><LastModified>2026-01-02T03:04:06.000Z</LastModified><ETag>"b2"</ETag><Size>4</Size><StorageClass>STANDARD</StorageClass></Contents></ListBucketResult>`))
	}))
	objects, err := store.List(context.Background(), "art", "runs/run-1/artifacts/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(objects) != 2 || objects[0].Key != "runs/run-1/artifacts/episode.mp4" || objects[1].Size != 4 {
		t.Fatalf("unexpected objects: %+v", objects)
	}
}
