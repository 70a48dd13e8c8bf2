package api

import (
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/artpar/sitedeploy/internal/shell/capture"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/go-chi/chi/v5"
)

// previewHandler serves generated sites straight from the output root under
// /static/{deployKey}/. The build output (dist/) wins over the project root,
// and extensionless paths fall back to index.html for client-side routing.
// The first page view of an application triggers its cover capture.
type previewHandler struct {
	root     string
	baseURL  string
	gate     CaptureGate
	captures CaptureQueue
	logger   *slog.Logger
}

func newPreviewHandler(root, baseURL string, gate CaptureGate, captures CaptureQueue, logger *slog.Logger) *previewHandler {
	return &previewHandler{
		root:     root,
		baseURL:  strings.TrimRight(baseURL, "/"),
		gate:     gate,
		captures: captures,
		logger:   logger.With("handler", "preview"),
	}
}

func (p *previewHandler) redirectToSlash(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, r.URL.Path+"/", http.StatusMovedPermanently)
}

func (p *previewHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deployKey := chi.URLParam(r, "deployKey")
	siteDir, ok := p.siteDir(deployKey)
	if !ok {
		http.NotFound(w, r)
		return
	}

	urlPath := path.Clean("/" + chi.URLParam(r, "*"))
	if urlPath == "/" {
		urlPath = "/index.html"
	}

	// Try to serve the requested file
	filePath, info, err := resolve(siteDir, urlPath)
	if err == nil && info.IsDir() {
		filePath, info, err = resolve(siteDir, path.Join(urlPath, "index.html"))
	}
	if err != nil {
		// Asset requests (with a file extension) get a plain 404
		if strings.Contains(path.Base(urlPath), ".") {
			http.NotFound(w, r)
			return
		}
		filePath, info, err = resolve(siteDir, "/index.html")
		if err != nil {
			http.NotFound(w, r)
			return
		}
	}

	f, err := os.Open(filePath)
	if err != nil {
		p.logger.Warn("failed to open preview file", "path", filePath, "error", err)
		http.Error(w, "failed to read file", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	if strings.HasSuffix(filePath, ".html") {
		p.maybeCapture(r, deployKey)
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// siteDir returns the directory served for deployKey.
func (p *previewHandler) siteDir(deployKey string) (string, bool) {
	if deployKey == "" || strings.ContainsAny(deployKey, `/\`) || strings.HasPrefix(deployKey, ".") {
		return "", false
	}
	projectDir, err := securejoin.SecureJoin(p.root, deployKey)
	if err != nil {
		return "", false
	}
	for _, dir := range []string{filepath.Join(projectDir, "dist"), projectDir} {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, true
		}
	}
	return "", false
}

// maybeCapture enqueues a cover capture on the first view of an application.
func (p *previewHandler) maybeCapture(r *http.Request, deployKey string) {
	if p.gate == nil || p.captures == nil {
		return
	}
	appID, ok := capture.ParseAppID(deployKey)
	if !ok {
		return
	}
	if !p.gate.ShouldTrigger(r.Context(), appID) {
		return
	}
	siteURL := p.baseURL + "/static/" + deployKey + "/"
	if !p.captures.Enqueue(appID, siteURL) {
		p.logger.Warn("capture not queued", "app_id", appID)
	}
}

// resolve joins urlPath onto dir without escaping it and stats the result.
func resolve(dir, urlPath string) (string, fs.FileInfo, error) {
	full, err := securejoin.SecureJoin(dir, urlPath)
	if err != nil {
		return "", nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return "", nil, err
	}
	if !info.Mode().IsRegular() && !info.IsDir() {
		return "", nil, errors.New("not a regular file")
	}
	return full, info, nil
}
