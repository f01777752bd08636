// Solo gallery variant: a single-device slideshow quiz over the same kind
// of photo list, persisted as one JSON file per game. Thin I/O wrapper
// with no connection handling; it shares nothing with the live session
// core beyond the shuffle.

package main

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	mrand "math/rand"

	"github.com/julienschmidt/httprouter"
)

type SoloPhoto struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

type SoloState struct {
	Started       bool  `json:"started"`
	CurrentIndex  int   `json:"currentIndex"`
	ShuffledOrder []int `json:"shuffledOrder"`
}

type SoloGame struct {
	Photos []SoloPhoto `json:"photos"`
	State  SoloState   `json:"gameState"`
}

type soloMeta struct {
	Topic     string    `json:"topic"`
	CreatedAt time.Time `json:"createdAt"`
}

var errSoloNotFound = errors.New("solo game not found")

// SoloStore reads and writes solo games under dir: a games.json metadata
// index plus games/<code>.json per game.
type SoloStore struct {
	mu  sync.Mutex
	dir string
}

func newSoloStore(dir string) *SoloStore {
	return &SoloStore{dir: dir}
}

func (ss *SoloStore) metaPath() string {
	return filepath.Join(ss.dir, "games.json")
}

func (ss *SoloStore) gamePath(code string) string {
	return filepath.Join(ss.dir, "games", code+".json")
}

func (ss *SoloStore) readMetaLocked() (map[string]soloMeta, error) {
	meta := make(map[string]soloMeta)

	data, err := os.ReadFile(ss.metaPath())
	if errors.Is(err, os.ErrNotExist) {
		return meta, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func (ss *SoloStore) writeMetaLocked(meta map[string]soloMeta) error {
	if err := os.MkdirAll(ss.dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(ss.metaPath(), data, 0o644)
}

func (ss *SoloStore) writeGameLocked(code string, game SoloGame) error {
	if err := os.MkdirAll(filepath.Join(ss.dir, "games"), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(game, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(ss.gamePath(code), data, 0o644)
}

func (ss *SoloStore) readGameLocked(code string) (SoloGame, error) {
	data, err := os.ReadFile(ss.gamePath(code))
	if errors.Is(err, os.ErrNotExist) {
		return SoloGame{}, errSoloNotFound
	}
	if err != nil {
		return SoloGame{}, err
	}

	var game SoloGame
	if err := json.Unmarshal(data, &game); err != nil {
		return SoloGame{}, err
	}
	return game, nil
}

func soloCode() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	out := make([]byte, 6)
	for i := range out {
		out[i] = letters[int(buf[i])%len(letters)]
	}
	return string(out)
}

// Create initializes an empty solo game and returns its code. Old games
// are cleaned up opportunistically.
func (ss *SoloStore) Create(topic string) (string, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	_ = ss.cleanupLocked(24 * time.Hour)

	meta, err := ss.readMetaLocked()
	if err != nil {
		return "", err
	}

	code := soloCode()
	for {
		if _, exists := meta[code]; !exists {
			break
		}
		code = soloCode()
	}

	if err := ss.writeGameLocked(code, SoloGame{Photos: []SoloPhoto{}}); err != nil {
		return "", err
	}

	meta[code] = soloMeta{
		Topic:     topic,
		CreatedAt: time.Now(),
	}
	if err := ss.writeMetaLocked(meta); err != nil {
		return "", err
	}

	return code, nil
}

func (ss *SoloStore) Meta(code string) (soloMeta, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	meta, err := ss.readMetaLocked()
	if err != nil {
		return soloMeta{}, err
	}
	m, ok := meta[code]
	if !ok {
		return soloMeta{}, errSoloNotFound
	}
	return m, nil
}

func (ss *SoloStore) Get(code string) (SoloGame, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	return ss.readGameLocked(code)
}

// AddPhoto appends photo metadata; the bytes live in the blob store.
func (ss *SoloStore) AddPhoto(code string, photo SoloPhoto) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	game, err := ss.readGameLocked(code)
	if err != nil {
		return err
	}

	game.Photos = append(game.Photos, photo)
	return ss.writeGameLocked(code, game)
}

// Start freezes a shuffled slideshow order over the current photo list.
func (ss *SoloStore) Start(code string) (SoloGame, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	game, err := ss.readGameLocked(code)
	if err != nil {
		return SoloGame{}, err
	}

	game.State = SoloState{
		Started:       true,
		CurrentIndex:  0,
		ShuffledOrder: mrand.Perm(len(game.Photos)),
	}
	if err := ss.writeGameLocked(code, game); err != nil {
		return SoloGame{}, err
	}
	return game, nil
}

// Advance moves the slideshow forward one photo. The second return is
// false once the order is exhausted.
func (ss *SoloStore) Advance(code string) (SoloPhoto, bool, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	game, err := ss.readGameLocked(code)
	if err != nil {
		return SoloPhoto{}, false, err
	}
	if !game.State.Started {
		return SoloPhoto{}, false, errSoloNotFound
	}

	next := game.State.CurrentIndex + 1
	if next >= len(game.State.ShuffledOrder) {
		return SoloPhoto{}, false, nil
	}

	game.State.CurrentIndex = next
	if err := ss.writeGameLocked(code, game); err != nil {
		return SoloPhoto{}, false, err
	}

	return game.Photos[game.State.ShuffledOrder[next]], true, nil
}

func (ss *SoloStore) cleanupLocked(maxAge time.Duration) error {
	meta, err := ss.readMetaLocked()
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-maxAge)
	changed := false
	for code, m := range meta {
		if m.CreatedAt.Before(cutoff) {
			_ = os.Remove(ss.gamePath(code))
			delete(meta, code)
			changed = true
		}
	}

	if !changed {
		return nil
	}
	return ss.writeMetaLocked(meta)
}

// ---- HTTP handlers ----

func soloJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func soloError(w http.ResponseWriter, err error) {
	if errors.Is(err, errSoloNotFound) {
		http.Error(w, "game not found", http.StatusNotFound)
		return
	}
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func decodeSoloBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func createSoloHandler(cfg *Config, solo *SoloStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req struct {
			Topic string `json:"topic"`
		}
		if err := decodeSoloBody(r, &req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		code, err := solo.Create(req.Topic)
		if err != nil {
			soloError(w, err)
			return
		}

		logf(cfg, "SOLO: Created game %s", code)
		soloJSON(w, map[string]string{"code": code})
	}
}

func getSoloHandler(cfg *Config, solo *SoloStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := ps.ByName("code")

		meta, err := solo.Meta(code)
		if err != nil {
			soloError(w, err)
			return
		}
		game, err := solo.Get(code)
		if err != nil {
			soloError(w, err)
			return
		}

		soloJSON(w, map[string]any{
			"topic": meta.Topic,
			"game":  game,
		})
	}
}

func addSoloPhotoHandler(cfg *Config, solo *SoloStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		var photo SoloPhoto
		if err := decodeSoloBody(r, &photo); err != nil || photo.URL == "" || photo.Name == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		if err := solo.AddPhoto(ps.ByName("code"), photo); err != nil {
			soloError(w, err)
			return
		}

		soloJSON(w, map[string]bool{"ok": true})
	}
}

func startSoloHandler(cfg *Config, solo *SoloStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := ps.ByName("code")

		game, err := solo.Start(code)
		if err != nil {
			soloError(w, err)
			return
		}

		logf(cfg, "SOLO: Started game %s (%d photos)", code, len(game.Photos))

		var first *SoloPhoto
		if len(game.State.ShuffledOrder) > 0 {
			first = &game.Photos[game.State.ShuffledOrder[0]]
		}
		soloJSON(w, map[string]any{
			"total": len(game.Photos),
			"photo": first,
		})
	}
}

func nextSoloHandler(cfg *Config, solo *SoloStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		photo, more, err := solo.Advance(ps.ByName("code"))
		if err != nil {
			soloError(w, err)
			return
		}

		if !more {
			soloJSON(w, map[string]bool{"done": true})
			return
		}
		soloJSON(w, map[string]any{"photo": photo})
	}
}
