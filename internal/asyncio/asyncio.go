// Package asyncio implements a worker-pool-backed book of in-flight
// download/upload/storage operations, drained by the owning goroutine on its
// own schedule rather than delivered via callback. Grounded on
// original_source/net/DownloadManager.py's ThreadPoolExecutor-backed
// download/upload manager, translated into Go's goroutine-and-channel
// idiom the way orbas1-Synnergy's worker pools (e.g. its transaction/queue
// processing goroutines) are structured: a bounded pool of workers pulling
// from a job channel, completions pushed onto a results channel the owner
// drains explicitly.
package asyncio

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
)

// Kind enumerates the operation families this book tracks.
type Kind string

const (
	KindDownload       Kind = "download"
	KindUpload         Kind = "upload"
	KindStorageLoad    Kind = "storage_load"
	KindStorageSave    Kind = "storage_save"
	KindExternalImport Kind = "external_import"
)

// Result is a completed operation's record, pushed to the completions
// channel and later returned from ProcessCompleted. Download results carry
// the verified bytes and hash-check outcome.
type Result struct {
	OperationID string
	Kind        Kind
	Success     bool
	Err         error
	FilePath    string
	Data        []byte
	Size        int64
	Hash        string
	HashValid   bool
	Metadata    map[string]any
}

// Book is an operation-id-keyed registry of in-flight async I/O work,
// backed by a bounded worker pool.
type Book struct {
	log     *logrus.Entry
	client  *http.Client
	jobs    chan func()
	workers int

	mu        sync.Mutex
	pending   map[string]struct{}
	completed chan Result
	closed    bool
	wg        sync.WaitGroup
}

// New creates a Book with the given worker pool size, defaulting to a small
// fixed pool mirroring the original's max_workers=3.
func New(workers int, log *logrus.Entry) *Book {
	if workers <= 0 {
		workers = 3
	}
	b := &Book{
		log:       log,
		client:    &http.Client{Timeout: 60 * time.Second},
		jobs:      make(chan func(), 64),
		workers:   workers,
		pending:   make(map[string]struct{}),
		completed: make(chan Result, 256),
	}
	for i := 0; i < workers; i++ {
		go b.runWorker()
	}
	return b
}

func (b *Book) runWorker() {
	for job := range b.jobs {
		job()
	}
}

func newOperationID() string {
	var raw [4]byte
	_, _ = rand.Read(raw[:])
	return hex.EncodeToString(raw[:])
}

func hashHex(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// DownloadAsync fetches url in the background and writes it to
// destDir/filename, optionally verifying the result against expectedHash
// (metadata). A hash mismatch marks the result invalid rather than being
// silently accepted or treated as an error).
func (b *Book) DownloadAsync(ctx context.Context, url, destDir, filename, expectedHash string, metadata map[string]any) string {
	opID := newOperationID()
	b.markPending(opID)

	b.submit(func() {
		res := Result{OperationID: opID, Kind: KindDownload, Metadata: metadata}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			res.Err = err
			b.finish(res)
			return
		}
		resp, err := b.client.Do(req)
		if err != nil {
			res.Err = err
			b.finish(res)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			res.Err = fmt.Errorf("asyncio: download %s: status %d", url, resp.StatusCode)
			b.finish(res)
			return
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			res.Err = err
			b.finish(res)
			return
		}

		path := filepath.Join(destDir, filename)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			res.Err = err
			b.finish(res)
			return
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			res.Err = err
			b.finish(res)
			return
		}

		hash := hashHex(data)
		res.Success = true
		res.FilePath = path
		res.Data = data
		res.Size = int64(len(data))
		res.Hash = hash
		res.HashValid = expectedHash == "" || hash == expectedHash
		b.finish(res)
	})
	return opID
}

// UploadAsync PUTs the contents of filePath to uploadURL in the background,
// grounded on upload_file_async. The request carries the content's xxhash
// and the upload time as x-amz-meta-xxhash / x-amz-meta-upload-timestamp
// headers.
func (b *Book) UploadAsync(ctx context.Context, filePath, uploadURL string, metadata map[string]any) string {
	opID := newOperationID()
	b.markPending(opID)

	b.submit(func() {
		res := Result{OperationID: opID, Kind: KindUpload, FilePath: filePath, Metadata: metadata}
		data, err := os.ReadFile(filePath)
		if err != nil {
			res.Err = err
			b.finish(res)
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, nil)
		if err != nil {
			res.Err = err
			b.finish(res)
			return
		}
		req.Body = io.NopCloser(bytes.NewReader(data))
		req.ContentLength = int64(len(data))
		req.Header.Set("x-amz-meta-xxhash", hashHex(data))
		req.Header.Set("x-amz-meta-upload-timestamp", fmt.Sprint(time.Now().Unix()))

		resp, err := b.client.Do(req)
		if err != nil {
			res.Err = err
			b.finish(res)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			res.Err = fmt.Errorf("asyncio: upload %s: status %d", uploadURL, resp.StatusCode)
			b.finish(res)
			return
		}

		res.Success = true
		res.Size = int64(len(data))
		res.Hash = hashHex(data)
		res.HashValid = true
		b.finish(res)
	})
	return opID
}

// StorageLoadAsync reads a file from disk off the calling goroutine.
func (b *Book) StorageLoadAsync(path string) string {
	opID := newOperationID()
	b.markPending(opID)
	b.submit(func() {
		res := Result{OperationID: opID, Kind: KindStorageLoad, FilePath: path}
		data, err := os.ReadFile(path)
		if err != nil {
			res.Err = err
			b.finish(res)
			return
		}
		res.Success = true
		res.Data = data
		res.Size = int64(len(data))
		res.Hash = hashHex(data)
		res.HashValid = true
		b.finish(res)
	})
	return opID
}

// StorageSaveAsync writes data to path off the calling goroutine.
func (b *Book) StorageSaveAsync(path string, data []byte) string {
	opID := newOperationID()
	b.markPending(opID)
	b.submit(func() {
		res := Result{OperationID: opID, Kind: KindStorageSave, FilePath: path}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			res.Err = err
			b.finish(res)
			return
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			res.Err = err
			b.finish(res)
			return
		}
		res.Success = true
		res.Size = int64(len(data))
		res.Hash = hashHex(data)
		res.HashValid = true
		b.finish(res)
	})
	return opID
}

// ImportExternalFileAsync copies a file from outside managed storage into
// destDir, grounded on import_external_file_async.
func (b *Book) ImportExternalFileAsync(srcPath, destDir, targetFilename string) string {
	opID := newOperationID()
	b.markPending(opID)
	b.submit(func() {
		res := Result{OperationID: opID, Kind: KindExternalImport, FilePath: srcPath}
		data, err := os.ReadFile(srcPath)
		if err != nil {
			res.Err = err
			b.finish(res)
			return
		}
		destPath := filepath.Join(destDir, targetFilename)
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			res.Err = err
			b.finish(res)
			return
		}
		if err := os.WriteFile(destPath, data, 0o644); err != nil {
			res.Err = err
			b.finish(res)
			return
		}
		res.Success = true
		res.FilePath = destPath
		res.Data = data
		res.Size = int64(len(data))
		res.Hash = hashHex(data)
		res.HashValid = true
		b.finish(res)
	})
	return opID
}

func (b *Book) submit(job func()) {
	b.wg.Add(1)
	b.jobs <- func() {
		defer b.wg.Done()
		job()
	}
}

func (b *Book) markPending(opID string) {
	b.mu.Lock()
	b.pending[opID] = struct{}{}
	b.mu.Unlock()
}

func (b *Book) finish(res Result) {
	if res.Err != nil {
		b.log.WithError(res.Err).WithFields(logrus.Fields{"operation_id": res.OperationID, "kind": res.Kind}).Warn("async operation failed")
	}
	b.mu.Lock()
	_, live := b.pending[res.OperationID]
	delete(b.pending, res.OperationID)
	closed := b.closed
	b.mu.Unlock()
	if closed || !live {
		return
	}
	b.completed <- res
}

// ProcessCompleted drains every operation that has finished since the last
// call, intended to be polled from the session's main loop — never called
// from a worker goroutine, only from the goroutine that owns the
// TableModel/AssetCache these results feed into.
func (b *Book) ProcessCompleted() []Result {
	var out []Result
	for {
		select {
		case r := <-b.completed:
			out = append(out, r)
		default:
			return out
		}
	}
}

// IsBusy reports whether any operation is still pending.
func (b *Book) IsBusy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) > 0
}

// PendingCount returns the number of in-flight operations.
func (b *Book) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// CancelAll forgets all pending operation ids without waiting for them; jobs
// already submitted still run to completion but their results are dropped
// instead of being delivered.
func (b *Book) CancelAll() {
	b.mu.Lock()
	b.pending = make(map[string]struct{})
	b.mu.Unlock()
}

// Close waits for in-flight operations to finish and stops accepting new
// ones.
func (b *Book) Close() {
	b.wg.Wait()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	close(b.jobs)
}
