package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/TobiSchelling/AINews/internal/database"
	"github.com/TobiSchelling/AINews/internal/deliver"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// Previewer builds the email a run would send.
type Previewer interface {
	Preview(ctx context.Context, hours, topN int) (*deliver.Message, error)
}

// Options are the default window and cap used by the pages.
type Options struct {
	Hours int
	TopN  int
}

// Server is the local HTTP server for browsing digests.
type Server struct {
	db        *database.DB
	previewer Previewer
	opts      Options
	pages     map[string]*template.Template
	mux       *http.ServeMux
}

// New creates a new Server. A nil previewer disables /preview.
func New(db *database.DB, previewer Previewer, opts Options) (*Server, error) {
	if opts.Hours <= 0 {
		opts.Hours = 24
	}
	if opts.TopN <= 0 {
		opts.TopN = 10
	}

	funcMap := template.FuncMap{
		"markdown":   renderMarkdown,
		"formatTime": func(t time.Time) string { return t.Local().Format("Jan 02, 2006 15:04") },
		"duration": func(start, end time.Time) string {
			return end.Sub(start).Round(time.Second).String()
		},
		"deref": func(s *string) string {
			if s == nil {
				return ""
			}
			return *s
		},
	}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone so the "title" and "content" blocks
	// do not collide.
	pageNames := []string{"index.html", "digest.html", "runs.html", "preview.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{db: db, previewer: previewer, opts: opts, pages: pages, mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	staticSub, _ := fs.Sub(staticFS, "static")
	s.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /digest", s.handleDigest)
	s.mux.HandleFunc("GET /runs", s.handleRuns)
	s.mux.HandleFunc("GET /preview", s.handlePreview)
	s.mux.HandleFunc("GET /preview.html", s.handlePreviewHTML)
}

func (s *Server) hours(r *http.Request) int {
	if h, err := strconv.Atoi(r.URL.Query().Get("hours")); err == nil && h > 0 {
		return h
	}
	return s.opts.Hours
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	hours := s.hours(r)
	digests, err := s.db.GetRecentDigests(r.Context(), hours)
	if err != nil {
		s.internalError(w, err)
		return
	}
	stats, err := s.db.GetStats(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}

	s.render(w, "index.html", map[string]any{
		"Hours":   hours,
		"Digests": digests,
		"Stats":   stats,
	})
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	id, err := database.ParseDigestID(r.URL.Query().Get("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	d, err := s.db.GetDigest(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}

	item, err := s.db.GetItem(r.Context(), id)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		s.internalError(w, err)
		return
	}

	s.render(w, "digest.html", map[string]any{
		"Digest": d,
		"Item":   item,
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.db.GetRunReports(r.Context(), 50)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.render(w, "runs.html", map[string]any{"Runs": runs})
}

func (s *Server) preview(r *http.Request) (*deliver.Message, string) {
	if s.previewer == nil {
		return nil, "Email preview is not available."
	}
	msg, err := s.previewer.Preview(r.Context(), s.hours(r), s.opts.TopN)
	if errors.Is(err, deliver.ErrNoDigests) {
		return nil, "No digests in the window."
	}
	if err != nil {
		slog.Error("building preview", "err", err)
		return nil, "Could not build the email: " + err.Error()
	}
	return msg, ""
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	msg, problem := s.preview(r)
	s.render(w, "preview.html", map[string]any{"Message": msg, "Error": problem})
}

// handlePreviewHTML serves the email HTML exactly as it would be sent.
func (s *Server) handlePreviewHTML(w http.ResponseWriter, r *http.Request) {
	msg, problem := s.preview(r)
	if msg == nil {
		http.Error(w, problem, http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, msg.HTML)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	slog.Error("request failed", "err", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		slog.Error("template not found", "name", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		slog.Error("rendering template", "name", name, "err", err)
	}
}

func renderMarkdown(text string) template.HTML {
	html, err := deliver.RenderMarkdown(text)
	if err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return html
}

// Serve starts the HTTP server on the given port.
func Serve(db *database.DB, previewer Previewer, opts Options, port int) error {
	srv, err := New(db, previewer, opts)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	slog.Info("server listening", "url", "http://"+addr)
	return http.ListenAndServe(addr, srv.Handler())
}
