// Package assetcoordinator drives the client-side large-asset transfer
// state machine: presigned-URL upload/download against internal/assetblob
// (or a real object store with the same contract), polling
// internal/asyncio's worker pool for completions and finalizing results
// into internal/asset's content-addressed cache. Grounded on
// original_source/AssetManager.py's upload_asset_async/
// cache_downloaded_asset/process_all_completed_operations flow — the one
// the distilled spec folds into "asset operations" without separating the
// transfer plumbing from the cache bookkeeping.
package assetcoordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"vttcore/internal/asset"
	"vttcore/internal/asyncio"
)

// PendingKind distinguishes an in-flight transfer's direction so Poll knows
// which Cache method finalizes it.
type PendingKind int

const (
	pendingUpload PendingKind = iota
	pendingDownload
)

type pendingTransfer struct {
	kind     PendingKind
	assetID  string
	filename string
	hash     string
}

// Coordinator tracks in-flight uploads and downloads issued against
// presigned URLs, draining internal/asyncio.Book on Poll and registering
// completed transfers with internal/asset.Cache.
type Coordinator struct {
	book   *asyncio.Book
	cache  *asset.Cache
	log    *logrus.Entry
	tmpDir string

	mu      sync.Mutex
	pending map[string]pendingTransfer
}

// New creates a Coordinator. tmpDir is where in-flight downloads land before
// they are verified and promoted into the cache's content-addressed layout.
func New(book *asyncio.Book, cache *asset.Cache, tmpDir string, log *logrus.Entry) *Coordinator {
	return &Coordinator{
		book:    book,
		cache:   cache,
		log:     log,
		tmpDir:  tmpDir,
		pending: make(map[string]pendingTransfer),
	}
}

// UploadAsset starts an async PUT of localPath's contents to a presigned
// upload URL. The asset id and required hash are kept in the operation's
// metadata; the PUT itself carries the file's xxhash in an x-amz-meta-xxhash
// header (set by asyncio's UploadAsync, mirroring upload_asset_async).
// Returns the operation id to correlate with a later Poll result.
func (c *Coordinator) UploadAsset(ctx context.Context, localPath, uploadURL, assetID, requiredHash string) string {
	opID := c.book.UploadAsync(ctx, localPath, uploadURL, map[string]any{
		"asset_id":        assetID,
		"required_xxhash": requiredHash,
	})
	c.mu.Lock()
	c.pending[opID] = pendingTransfer{kind: pendingUpload, assetID: assetID, hash: requiredHash}
	c.mu.Unlock()
	return opID
}

// DownloadAsset starts an async GET of a presigned download URL into the
// coordinator's staging directory, to be promoted into the asset cache once
// the hash is verified.
func (c *Coordinator) DownloadAsset(ctx context.Context, downloadURL, assetID, filename, expectedHash string) string {
	opID := c.book.DownloadAsync(ctx, downloadURL, c.tmpDir, fmt.Sprintf("%s-%s", assetID, filename), expectedHash, map[string]any{
		"asset_id": assetID,
	})
	c.mu.Lock()
	c.pending[opID] = pendingTransfer{kind: pendingDownload, assetID: assetID, filename: filename, hash: expectedHash}
	c.mu.Unlock()
	return opID
}

// Outcome is one finished transfer, reported to the caller after Poll has
// finalized it against the cache.
type Outcome struct {
	OperationID string
	Kind        PendingKind
	AssetID     string
	Record      *asset.Record
	Err         error
}

// Poll drains every async I/O completion since the last call, finalizing
// downloads into the content cache and reporting upload confirmations,
// mirroring process_all_completed_operations' single drain point for the
// session's main loop.
func (c *Coordinator) Poll() []Outcome {
	var outcomes []Outcome
	for _, res := range c.book.ProcessCompleted() {
		c.mu.Lock()
		pt, ok := c.pending[res.OperationID]
		delete(c.pending, res.OperationID)
		c.mu.Unlock()
		if !ok {
			continue
		}

		out := Outcome{OperationID: res.OperationID, Kind: pt.kind, AssetID: pt.assetID}
		switch {
		case res.Err != nil:
			out.Err = res.Err
		case pt.kind == pendingUpload && !res.Success:
			out.Err = fmt.Errorf("assetcoordinator: upload of %s failed", pt.assetID)
		case pt.kind == pendingUpload:
			// A successful upload is reported without touching the cache:
			// the uploaded file is not registered in it and Record stays nil.
		case pt.kind == pendingDownload && !res.HashValid:
			out.Err = fmt.Errorf("assetcoordinator: downloaded asset %s failed hash verification", pt.assetID)
		case pt.kind == pendingDownload:
			record, err := c.cache.CacheDownloadedAsset(pt.assetID, res.Data, pt.filename, pt.hash)
			if err != nil {
				out.Err = err
			} else {
				out.Record = record
			}
		}
		if out.Err != nil {
			c.log.WithError(out.Err).WithField("asset_id", pt.assetID).Warn("asset transfer failed")
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// IsBusy reports whether any upload or download is still in flight.
func (c *Coordinator) IsBusy() bool { return c.book.IsBusy() }
