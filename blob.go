package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

const maxUploadBytes = 10 << 20

// BlobStore is the opaque photo store: bytes in, URL out. The production
// deployment can sit this on any object store; the in-process
// implementation below is enough for a party.
type BlobStore interface {
	Put(data []byte, contentType string) (string, error)
	Delete(url string) error
}

type memoryBlob struct {
	data        []byte
	contentType string
}

// MemoryBlobStore keeps photo bytes in memory and serves them under
// prefix/:id. Volatile, like everything else here.
type MemoryBlobStore struct {
	mu     sync.RWMutex
	blobs  map[string]memoryBlob
	prefix string
}

func newMemoryBlobStore(prefix string) *MemoryBlobStore {
	return &MemoryBlobStore{
		blobs:  make(map[string]memoryBlob),
		prefix: prefix,
	}
}

func (bs *MemoryBlobStore) Put(data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty blob")
	}

	name := uuid.NewString()

	bs.mu.Lock()
	bs.blobs[name] = memoryBlob{
		data:        data,
		contentType: contentType,
	}
	bs.mu.Unlock()

	return bs.prefix + "/" + name, nil
}

func (bs *MemoryBlobStore) Delete(url string) error {
	name := strings.TrimPrefix(url, bs.prefix+"/")

	bs.mu.Lock()
	delete(bs.blobs, name)
	bs.mu.Unlock()

	return nil
}

func (bs *MemoryBlobStore) get(name string) (memoryBlob, bool) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	blob, ok := bs.blobs[name]
	return blob, ok
}

// uploadHandler accepts one multipart photo for a live session and
// returns the blob URL the client should attach to its submit-photo
// message.
func uploadHandler(cfg *Config, store *SessionStore, blobs *MemoryBlobStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := ps.ByName("code")
		if _, ok := store.Get(code); !ok {
			http.Error(w, "game not found", http.StatusNotFound)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		file, header, err := r.FormFile("photo")
		if err != nil {
			http.Error(w, "missing photo field", http.StatusBadRequest)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, "upload failed", http.StatusBadRequest)
			return
		}

		contentType := header.Header.Get("Content-Type")
		if contentType == "" {
			contentType = http.DetectContentType(data)
		}

		url, err := blobs.Put(data, contentType)
		if err != nil {
			http.Error(w, "upload failed", http.StatusInternalServerError)
			return
		}

		logf(cfg, "BLOBS: Stored %s for %s (%s)", url, code, humanReadableSize(int64(len(data))))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"url": url})
	}
}

func serveBlob(cfg *Config, blobs *MemoryBlobStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		blob, ok := blobs.get(ps.ByName("id"))
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", blob.contentType)
		w.Header().Set("Cache-Control", "public, max-age=3600")
		securityHeaders(cfg, w)

		_, _ = w.Write(blob.data)
	}
}
