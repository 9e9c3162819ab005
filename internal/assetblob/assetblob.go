// Package assetblob implements a local mock of a presigned-URL object store
// (the S3 contract AssetCoordinator's upload/download flow expects) for
// tests and local dev, grounded on the presigned PUT/GET pattern
// original_source/AssetManager.py's upload_asset_async issues headers
// against. Mirrors orbas1-Synnergy's walletserver controller/router split,
// with github.com/go-chi/chi/v5 standing in for gorilla/mux.
package assetblob

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// Store is an in-memory-indexed, on-disk-backed object store: PUT writes a
// blob to objectPath(key), GET streams it back. It exists purely to give
// AssetCoordinator's presigned upload/download contract a real HTTP
// endpoint to hit in tests and local dev, standing in for S3.
type Store struct {
	dir string
	log *logrus.Entry

	mu      sync.Mutex
	headers map[string]http.Header
}

// New creates a Store rooted at dir, created if it does not already exist.
func New(dir string, log *logrus.Entry) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir, log: log, headers: make(map[string]http.Header)}, nil
}

func (s *Store) objectPath(key string) string {
	return filepath.Join(s.dir, filepath.Clean("/"+key))
}

// PresignedPutURL builds the URL a client PUTs the object bytes to. The
// object key is embedded in the path rather than a signed query string —
// there is no real credential to sign here, only the shape of the contract.
func PresignedPutURL(baseURL, key string) string { return baseURL + "/objects/" + key }

// PresignedGetURL builds the URL a client GETs the object bytes from.
func PresignedGetURL(baseURL, key string) string { return baseURL + "/objects/" + key }

// Router returns the chi.Router serving this store's presigned-URL contract.
func (s *Store) Router() chi.Router {
	r := chi.NewRouter()
	r.Put("/objects/*", s.handlePut)
	r.Get("/objects/*", s.handleGet)
	r.Head("/objects/*", s.handleHead)
	return r
}

func (s *Store) handlePut(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	path := s.objectPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	f, err := os.Create(path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	if _, err := io.Copy(f, r.Body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	s.headers[key] = r.Header.Clone()
	s.mu.Unlock()

	s.log.WithField("key", key).Debug("blob store received upload")
	w.WriteHeader(http.StatusOK)
}

func (s *Store) handleGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	f, err := os.Open(s.objectPath(key))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("blob store download write failed")
	}
}

func (s *Store) handleHead(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if _, err := os.Stat(s.objectPath(key)); err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// UploadHeaders returns the headers a prior PUT sent for key, used by tests
// asserting the x-amz-meta-xxhash contract without a real S3 account.
func (s *Store) UploadHeaders(key string) (http.Header, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.headers[key]
	return h, ok
}
