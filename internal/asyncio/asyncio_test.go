package asyncio

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func waitForCompletion(t *testing.T, b *Book, n int, timeout time.Duration) []Result {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var got []Result
	for time.Now().Before(deadline) {
		got = append(got, b.ProcessCompleted()...)
		if len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d completions, got %d", n, len(got))
	return nil
}

func TestDownloadAsyncSucceedsAndVerifiesHash(t *testing.T) {
	body := []byte("asset bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	b := New(2, logrus.NewEntry(logrus.New()))
	defer b.Close()

	dir := t.TempDir()
	expected := hashHex(body)
	opID := b.DownloadAsync(context.Background(), srv.URL, dir, "out.bin", expected, map[string]any{"k": "v"})
	if !b.IsBusy() {
		t.Fatal("expected book to report busy right after submit")
	}

	results := waitForCompletion(t, b, 1, 2*time.Second)
	r := results[0]
	if r.OperationID != opID {
		t.Fatalf("expected operation id %s, got %s", opID, r.OperationID)
	}
	if !r.Success || !r.HashValid {
		t.Fatalf("expected success+valid hash, got %+v", r)
	}
	if data, err := os.ReadFile(filepath.Join(dir, "out.bin")); err != nil || string(data) != string(body) {
		t.Fatalf("expected downloaded file on disk, err=%v data=%q", err, data)
	}
	if b.IsBusy() {
		t.Fatal("expected book to be idle after completion drained")
	}
}

func TestDownloadAsyncFlagsHashMismatch(t *testing.T) {
	body := []byte("asset bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	b := New(1, logrus.NewEntry(logrus.New()))
	defer b.Close()

	dir := t.TempDir()
	b.DownloadAsync(context.Background(), srv.URL, dir, "out.bin", "0000000000000000", nil)
	results := waitForCompletion(t, b, 1, 2*time.Second)
	if !results[0].Success {
		t.Fatalf("expected the download itself to succeed even on hash mismatch, got %+v", results[0])
	}
	if results[0].HashValid {
		t.Fatal("expected hash_valid=false for mismatched expected hash")
	}
}

func TestUploadAsyncPutsFileContents(t *testing.T) {
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "upload.bin")
	if err := os.WriteFile(path, []byte("to upload"), 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}

	b := New(1, logrus.NewEntry(logrus.New()))
	defer b.Close()

	b.UploadAsync(context.Background(), path, srv.URL, nil)
	results := waitForCompletion(t, b, 1, 2*time.Second)
	if !results[0].Success {
		t.Fatalf("expected upload success, got %+v", results[0])
	}
	if string(received) != "to upload" {
		t.Fatalf("expected server to receive uploaded bytes, got %q", received)
	}
}

func TestCancelAllClearsPendingSet(t *testing.T) {
	b := New(1, logrus.NewEntry(logrus.New()))
	defer b.Close()

	b.markPending("op-1")
	if !b.IsBusy() {
		t.Fatal("expected busy after marking pending")
	}
	b.CancelAll()
	if b.IsBusy() {
		t.Fatal("expected idle after CancelAll")
	}
}

func TestStorageSaveThenLoadRoundTrip(t *testing.T) {
	b := New(1, logrus.NewEntry(logrus.New()))
	defer b.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	b.StorageSaveAsync(path, []byte("round trip"))
	waitForCompletion(t, b, 1, time.Second)

	b.StorageLoadAsync(path)
	results := waitForCompletion(t, b, 1, time.Second)
	if string(results[0].Data) != "round trip" {
		t.Fatalf("expected loaded data to match saved data, got %q", results[0].Data)
	}
}
