// Package mediaserve exposes generated narration media and asset metadata
// over a small read-only HTTP surface.
package mediaserve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/logger"

	"github.com/zhuiye8/narration-service/internal/core"
	"github.com/zhuiye8/narration-service/internal/downloader"
	"github.com/zhuiye8/narration-service/internal/fileutil"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// ErrListenAddrEmpty indicates the server was constructed without an
// address to bind.
var ErrListenAddrEmpty = errors.New("listen address cannot be empty")

// HealthChecker reports provider reachability for the health endpoint.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// healthReply is the /healthz response body.
type healthReply struct {
	Status   string `json:"status"`
	Provider string `json:"provider"`
}

// assetErrorReply is the JSON error body for asset lookups.
type assetErrorReply struct {
	Error string `json:"error"`
}

// Server serves narration media files and asset metadata. All routes are
// read-only; generation happens exclusively through the NATS worker.
type Server struct {
	listenAddr string
	audioDir   string
	store      core.AssetStore
	health     HealthChecker
	log        *logger.Logger
}

// New creates a media server.
func New(
	listenAddr string,
	audioDir string,
	store core.AssetStore,
	health HealthChecker,
	log *logger.Logger,
) (*Server, error) {
	if listenAddr == "" {
		return nil, ErrListenAddrEmpty
	}

	return &Server{
		listenAddr: listenAddr,
		audioDir:   audioDir,
		store:      store,
		health:     health,
		log:        log,
	}, nil
}

// Handler builds the route table. Exposed so tests can drive the routes
// without binding a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+core.AudioPublicPathPrefix+"/{itemID}/"+downloader.MediaFilename,
		s.handleMedia)
	mux.HandleFunc("GET /narration/assets", s.handleListAssets)
	mux.HandleFunc("GET /narration/assets/{itemID}", s.handleGetAsset)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return mux
}

// Run starts the HTTP listener and blocks until the context is cancelled,
// then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errChan := make(chan error, 1)

	go func() {
		s.log.Info("Media server listening on %s", s.listenAddr)

		serveErr := httpServer.ListenAndServe()
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errChan <- serveErr
		} else {
			errChan <- nil
		}
	}()

	select {
	case serveErr := <-errChan:
		if serveErr != nil {
			return fmt.Errorf("media server failed: %w", serveErr)
		}

		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	shutdownErr := httpServer.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		return fmt.Errorf("failed to shut down media server: %w", shutdownErr)
	}

	return nil
}

// handleMedia streams one item's media file. The item id is sanitized
// before touching the filesystem so a crafted id cannot escape the audio
// directory.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	itemID := fileutil.SanitizeFilename(r.PathValue("itemID"))
	if itemID == "" || strings.Contains(itemID, "..") {
		http.NotFound(w, r)

		return
	}

	mediaPath := fileutil.ItemAudioPath(s.audioDir, itemID, downloader.MediaFilename)

	info, statErr := os.Stat(mediaPath)
	if statErr != nil || info.IsDir() {
		http.NotFound(w, r)

		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-cache")

	http.ServeFile(w, r, filepath.Clean(mediaPath))
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.store.List(r.Context())
	if err != nil {
		s.log.Error("Failed to list assets: %v", err)
		s.writeJSON(w, http.StatusInternalServerError, assetErrorReply{Error: "failed to list assets"})

		return
	}

	s.writeJSON(w, http.StatusOK, assets)
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	itemID := r.PathValue("itemID")

	asset, err := s.store.Get(r.Context(), itemID)
	if err != nil {
		s.log.Error("Failed to read asset %s: %v", itemID, err)
		s.writeJSON(w, http.StatusInternalServerError, assetErrorReply{Error: "failed to read asset"})

		return
	}

	if asset == nil {
		s.writeJSON(w, http.StatusNotFound, assetErrorReply{Error: "no asset for item " + itemID})

		return
	}

	s.writeJSON(w, http.StatusOK, asset)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reply := healthReply{Status: "ok", Provider: "ok"}

	healthErr := s.health.HealthCheck(r.Context())
	if healthErr != nil {
		reply.Provider = healthErr.Error()
	}

	s.writeJSON(w, http.StatusOK, reply)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	encodeErr := json.NewEncoder(w).Encode(body)
	if encodeErr != nil {
		s.log.Warn("Failed to encode response body: %v", encodeErr)
	}
}
