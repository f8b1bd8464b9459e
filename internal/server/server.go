// Package server serves the login page, the viewer page and the latest
// captured frame over plain HTTP polling.
package server

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"lan-screen-streamer/internal/frame"
)

const (
	deniedBody   = "Access denied: invalid password."
	notReadyBody = "No frame available yet."
	notFoundBody = "Not found"
	authRealm    = `Basic realm="ScreenShare"`
)

// SecretFunc returns the currently configured shared password. It is called
// on every request.
type SecretFunc func() string

// FrameSource is the read side of the broadcaster.
type FrameSource interface {
	Latest() (frame.Encoded, bool)
	HasFrame() bool
}

type Options struct {
	Addr         string
	PollInterval time.Duration
	Debug        bool
}

type Server struct {
	opts   Options
	frames FrameSource
	secret SecretFunc

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
	served   chan struct{}
}

func New(opts Options, frames FrameSource, secret SecretFunc) *Server {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 150 * time.Millisecond
	}
	return &Server{opts: opts, frames: frames, secret: secret}
}

// Handler returns the routing handler with panic recovery applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveRoot)
	mux.HandleFunc("/view", s.serveView)
	mux.HandleFunc("/frame", s.serveFrame)
	return s.recoverer(s.logRequests(mux))
}

// Start binds the listening socket and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http != nil {
		return errors.New("server already started")
	}
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	s.listener = ln
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.served = make(chan struct{})
	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		log.Println("[HTTP] listening on", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Println("[HTTP] server error:", err)
		}
	}(s.http, s.served)
	return nil
}

// Addr is the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting requests and waits for in-flight ones. It is a
// no-op when the server is not running.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.http, s.served
	s.http, s.listener, s.served = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	<-done
	log.Println("[HTTP] stopped")
	return err
}

func (s *Server) serveRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" || r.Method != http.MethodGet {
		s.notFound(w)
		return
	}
	s.renderHTML(w, func(buf *bytes.Buffer) error {
		return loginPage.Execute(buf, nil)
	})
}

func (s *Server) serveView(w http.ResponseWriter, r *http.Request) {
	// ParseForm failures leave the query values in place; a bad body just
	// means no token was posted.
	if err := r.ParseForm(); err != nil {
		s.debugf("[HTTP] /view form parse: %v", err)
	}
	token, ok := tokenOf(r)
	if s.requestDenied(token, ok) {
		s.denied(w)
		return
	}
	data := viewerData{Token: token, PollIntervalMs: int(s.opts.PollInterval / time.Millisecond)}
	s.renderHTML(w, func(buf *bytes.Buffer) error {
		return viewerPage.Execute(buf, data)
	})
}

func (s *Server) serveFrame(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenOf(r)
	if s.requestDenied(token, ok) {
		s.denied(w)
		return
	}
	if !s.frames.HasFrame() {
		plain(w, http.StatusServiceUnavailable, notReadyBody)
		return
	}
	f, _ := s.frames.Latest()
	h := w.Header()
	h.Set("Content-Type", f.ContentType)
	h.Set("Content-Length", fmt.Sprint(len(f.Data)))
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(f.Data); err != nil {
		s.debugf("[HTTP] frame write to %s: %v", r.RemoteAddr, err)
	}
}

// tokenOf returns the first token value and whether one was supplied at
// all. Form values cover both the query string and a parsed POST body.
func tokenOf(r *http.Request) (string, bool) {
	if r.Form == nil {
		_ = r.ParseForm()
	}
	values, ok := r.Form["token"]
	if !ok || len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// requestDenied reports whether a request carrying token must be refused.
// A missing token, an empty token and an unset password all deny.
func (s *Server) requestDenied(token string, supplied bool) bool {
	if !supplied || token == "" {
		return true
	}
	expected := s.secret()
	if expected == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1
}

func (s *Server) denied(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", authRealm)
	plain(w, http.StatusUnauthorized, deniedBody)
}

func (s *Server) notFound(w http.ResponseWriter) {
	plain(w, http.StatusNotFound, notFoundBody)
}

func (s *Server) renderHTML(w http.ResponseWriter, render func(*bytes.Buffer) error) {
	var buf bytes.Buffer
	if err := render(&buf); err != nil {
		log.Printf("[HTTP] template: %v", err)
		plain(w, http.StatusInternalServerError, "Internal error")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func plain(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Printf("[HTTP] panic serving %s: %v\n%s", r.URL.Path, rec, debug.Stack())
				plain(w, http.StatusInternalServerError, "Internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	if !s.opts.Debug {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("[HTTP] %s %s from %s in %v", r.Method, r.URL.Path, r.RemoteAddr, time.Since(start))
	})
}

func (s *Server) debugf(format string, v ...any) {
	if s.opts.Debug {
		log.Printf(format, v...)
	}
}
