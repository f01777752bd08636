package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const (
	logDate string        = `2006-01-02T15:04:05.000-07:00`
	timeout time.Duration = 10 * time.Second
)

func securityHeaders(cfg *Config, w http.ResponseWriter) {
	w.Header().Set("Cross-Origin-Embedder-Policy", "require-corp")
	w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
	w.Header().Set("Cross-Origin-Resource-Policy", "same-site")
	w.Header().Set("Permissions-Policy", "geolocation=(), midi=(), sync-xhr=(), microphone=(), magnetometer=(), gyroscope=(), fullscreen=(), payment=()")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; img-src 'self' blob: data:; connect-src 'self' ws: wss:")

	if cfg.scheme() == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	}
}

func realIP(r *http.Request) string {
	host, port, _ := net.SplitHostPort(r.RemoteAddr)
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	} else if ip := r.Header.Get("X-Real-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	}
	if net.ParseIP(host) != nil && strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return host + ":" + port
	}
	return host
}

func serveVersion(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		startTime := time.Now()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusOK)

		written, err := w.Write([]byte("whosthat v" + releaseVersion + "\n"))
		if err != nil {
			errs <- err

			return
		}

		logf(cfg, "SERVE: Version page (%s) to %s in %s",
			humanReadableSize(int64(written)),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

// createGameHandler is the explicit host action that brings a session to
// life: it returns the shareable code and the host token that drives it.
func createGameHandler(cfg *Config, store *SessionStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req struct {
			Topic string `json:"topic"`
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
		if err == nil && len(body) > 0 {
			_ = json.Unmarshal(body, &req)
		}

		sess, hostToken := store.Create(cfg, strings.TrimSpace(req.Topic))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"code":      sess.code,
			"hostToken": hostToken,
		})
	}
}

// deleteGameHandler tears a session down early. Requires the host token;
// deleting an already-gone game succeeds quietly.
func deleteGameHandler(cfg *Config, store *SessionStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := ps.ByName("code")

		if _, ok := store.Get(code); !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		token := r.Header.Get("X-Host-Token")
		id, ok := store.tokens.Resolve(token)
		if !ok || id.Role != RoleHost || id.Code != code {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		store.Delete(code)
		logf(cfg, "GAMES: Deleted game %s", code)
		w.WriteHeader(http.StatusNoContent)
	}
}

func listGamesHandler(cfg *Config, store *SessionStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		summaries := store.Summaries()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"totalGames": len(summaries),
			"games":      summaries,
		})
	}
}

// qrHandler generates a PNG QR code for a game's join URL.
func qrHandler(cfg *Config, store *SessionStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := ps.ByName("code")
		if _, ok := store.Get(code); !ok {
			http.Error(w, "game not found", http.StatusNotFound)
			return
		}

		// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + cfg.prefix + "/game/" + code

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}

func registerGameRoutes(cfg *Config, mux *httprouter.Router, store *SessionStore, blobs *MemoryBlobStore) {
	mux.POST(cfg.prefix+"/game", createGameHandler(cfg, store))
	mux.GET(cfg.prefix+"/game/:code", serveGamePage(cfg))
	mux.DELETE(cfg.prefix+"/game/:code", deleteGameHandler(cfg, store))
	mux.GET(cfg.prefix+"/game/:code/ws", serveWS(cfg, store))
	mux.GET(cfg.prefix+"/game/:code/qr", qrHandler(cfg, store))
	mux.POST(cfg.prefix+"/game/:code/photos", uploadHandler(cfg, store, blobs))
	mux.GET(cfg.prefix+"/blobs/:id", serveBlob(cfg, blobs))
	mux.GET(cfg.prefix+"/api/games", listGamesHandler(cfg, store))
}

func registerSoloRoutes(cfg *Config, mux *httprouter.Router, solo *SoloStore) {
	mux.POST(cfg.prefix+"/solo", createSoloHandler(cfg, solo))
	mux.GET(cfg.prefix+"/solo/:code", getSoloHandler(cfg, solo))
	mux.POST(cfg.prefix+"/solo/:code/photos", addSoloPhotoHandler(cfg, solo))
	mux.POST(cfg.prefix+"/solo/:code/start", startSoloHandler(cfg, solo))
	mux.POST(cfg.prefix+"/solo/:code/next", nextSoloHandler(cfg, solo))
}

func ServePage(ctx context.Context, cfg *Config, args []string) error {
	var err error

	timeZone := os.Getenv("TZ")
	if timeZone != "" {
		time.Local, err = time.LoadLocation(timeZone)
		if err != nil {
			return err
		}
	}

	logf(cfg, "START: whosthat v%s", releaseVersion)

	mux := httprouter.New()

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port)),
		Handler:           mux,
		IdleTimeout:       10 * time.Minute,
		ReadTimeout:       timeout,
		ReadHeaderTimeout: timeout,
		WriteTimeout:      timeout,
	}

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, i any) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusInternalServerError)

		io.WriteString(w, newPage("Server Error", "An error has occurred. Please try again."))
	}

	errs := make(chan error, 64)

	cfg.prefix = strings.TrimSuffix(cfg.prefix, "/")

	store := newSessionStore(cfg.sessionMaxAge)
	go store.reaperLoop(cfg)

	blobs := newMemoryBlobStore(cfg.prefix + "/blobs")
	solo := newSoloStore(cfg.dataDir)

	mux.GET(cfg.prefix+"/", serveHomePage(cfg))

	mux.GET(cfg.prefix+"/assets/app.css", serveAsset(cfg, "whosthat/app.css", "text/css; charset=utf-8"))

	mux.GET(cfg.prefix+"/assets/app.js", serveAsset(cfg, "whosthat/app.js", "text/javascript; charset=utf-8"))

	mux.GET(cfg.prefix+"/favicons/*favicon", serveFavicons(cfg, errs))

	mux.GET(cfg.prefix+"/healthz", serveHealthCheck(cfg, errs))

	mux.GET(cfg.prefix+"/robots.txt", serveRobots(cfg, errs))

	mux.GET(cfg.prefix+"/version", serveVersion(cfg, errs))

	if cfg.profile {
		registerProfileHandlers(cfg, mux)
	}

	registerGameRoutes(cfg, mux, store, blobs)

	registerSoloRoutes(cfg, mux, solo)

	go func() {
		var err error
		if cfg.tlsKey != "" && cfg.tlsCert != "" {
			logf(cfg, "SERVE: Listening on %s://%s%s/", cfg.scheme(), srv.Addr, cfg.prefix)
			err = srv.ListenAndServeTLS(cfg.tlsCert, cfg.tlsKey)
		} else {
			logf(cfg, "SERVE: Listening on %s://%s%s/", cfg.scheme(), srv.Addr, cfg.prefix)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("%s | ERROR: %v\n", time.Now().Format(logDate), err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	return nil
}
