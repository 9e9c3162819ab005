package asset

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), logrus.NewEntry(logrus.New()))
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func TestIngestUploadDedupesByContentHash(t *testing.T) {
	c := newTestCache(t)
	data := []byte("hello world")

	r1, err := c.IngestUpload(data, "a.png", "/tmp/a.png")
	if err != nil {
		t.Fatalf("ingest 1: %v", err)
	}
	r2, err := c.IngestUpload(data, "b.png", "/tmp/b.png")
	if err != nil {
		t.Fatalf("ingest 2: %v", err)
	}
	if r1.AssetID != r2.AssetID {
		t.Fatalf("expected identical bytes to produce the same asset id, got %s vs %s", r1.AssetID, r2.AssetID)
	}
	if r1.AssetID != GenerateAssetID(data) {
		t.Fatalf("expected asset id to equal GenerateAssetID(data)")
	}
}

func TestCacheDownloadedAssetRejectsHashMismatch(t *testing.T) {
	c := newTestCache(t)
	data := []byte("server bytes")

	_, err := c.CacheDownloadedAsset("deadbeefcafef00d", data, "x.png", "0000000000000000")
	if err == nil {
		t.Fatal("expected hash mismatch to be rejected")
	}
	if c.IsCached("deadbeefcafef00d") {
		t.Fatal("expected rejected download to not be registered")
	}
}

func TestCacheDownloadedAssetAcceptsMatchingHash(t *testing.T) {
	c := newTestCache(t)
	data := []byte("server bytes")
	hash := hashHex(data)

	r, err := c.CacheDownloadedAsset("deadbeefcafef00d", data, "x.png", hash)
	if err != nil {
		t.Fatalf("expected matching hash to succeed: %v", err)
	}
	if !c.IsCached(r.AssetID) {
		t.Fatal("expected asset to be cached after successful download")
	}
}

func TestVerifyAssetDetectsCorruption(t *testing.T) {
	c := newTestCache(t)
	r, err := c.IngestUpload([]byte("content"), "f.bin", "")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	ok, err := c.VerifyAsset(r.AssetID)
	if err != nil || !ok {
		t.Fatalf("expected fresh asset to verify ok, got ok=%v err=%v", ok, err)
	}

	if err := os.WriteFile(r.LocalPath, []byte("corrupted"), 0o644); err != nil {
		t.Fatalf("corrupt file: %v", err)
	}
	ok, err = c.VerifyAsset(r.AssetID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected corrupted asset to fail verification")
	}
}

func TestRegistryPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	c1, err := New(dir, logrus.NewEntry(logrus.New()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	r, err := c1.IngestUpload([]byte("persisted"), "p.bin", "")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	c2, err := New(dir, logrus.NewEntry(logrus.New()))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !c2.IsCached(r.AssetID) {
		t.Fatal("expected asset to survive reopen via persisted registry")
	}
	if found, ok := c2.FindByXXHash(r.XXHash); !ok || found != r.AssetID {
		t.Fatal("expected hash lookup index to be rebuilt on reopen")
	}
}

func TestCleanupEvictsByAgeAndSize(t *testing.T) {
	c := newTestCache(t)
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return old }
	oldRecord, err := c.CacheDownloadedAsset("oldassetid0000aa", []byte("old bytes"), "old.bin", hashHex([]byte("old bytes")))
	if err != nil {
		t.Fatalf("cache old: %v", err)
	}

	c.now = time.Now
	newRecord, err := c.CacheDownloadedAsset("newassetid0000bb", []byte("new bytes"), "new.bin", hashHex([]byte("new bytes")))
	if err != nil {
		t.Fatalf("cache new: %v", err)
	}

	removed, freed := c.Cleanup(24*time.Hour, 0)
	if removed != 1 || freed == 0 {
		t.Fatalf("expected 1 file removed by age, got removed=%d freed=%d", removed, freed)
	}
	if c.IsCached(oldRecord.AssetID) {
		t.Fatal("expected old asset to be evicted")
	}
	if !c.IsCached(newRecord.AssetID) {
		t.Fatal("expected new asset to survive age-based cleanup")
	}
}

func TestCachePathShardsByAssetIDPrefix(t *testing.T) {
	c := newTestCache(t)
	r, err := c.IngestUpload([]byte("shard test"), "shard.bin", "")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	want := filepath.Join(c.dir, r.AssetID[:2], r.AssetID+"_shard.bin")
	if r.LocalPath != want {
		t.Fatalf("expected cache path %s, got %s", want, r.LocalPath)
	}
}
