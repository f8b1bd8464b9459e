// Package session ties one sharing session together: it resolves the
// credentials, starts the HTTP server and the capture controller, and tears
// both down again when asked to or when capture ends on its own.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"lan-screen-streamer/internal/capture"
	"lan-screen-streamer/pkg/config"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"
)

var ErrRunning = errors.New("session already running")

// shutdownTimeout bounds how long Stop waits for in-flight HTTP requests.
const shutdownTimeout = 5 * time.Second

// Credentials are what a session is started with.
type Credentials struct {
	Password string
	Port     int
}

// Resolve applies the fallbacks used when the UI hands over unusable values.
func (c Credentials) Resolve() Credentials {
	return Credentials{
		Password: config.ResolvePassword(c.Password),
		Port:     config.ResolvePort(c.Port),
	}
}

// HTTPServer is the part of server.Server the session drives.
type HTTPServer interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// Mirror is an optional extra egress started after capture.
type Mirror interface {
	Start() error
	Close() error
}

type Controller interface {
	Start(auth string) error
	Stop() error
	Done() <-chan struct{}
}

// Deps builds the per-run pieces once the port is known.
type Deps struct {
	Store      *config.Store
	Controller Controller
	NewServer  func(port int) HTTPServer
	NewMirror  func() Mirror
}

type Session struct {
	deps Deps

	mu      sync.Mutex
	id      uuid.UUID
	creds   Credentials
	server  HTTPServer
	mirror  Mirror
	running bool
	done    chan struct{}
	stop    chan struct{}
	watcher *conc.WaitGroup
}

func New(deps Deps) *Session {
	done := make(chan struct{})
	close(done)
	return &Session{deps: deps, done: done}
}

// Start brings up server and capture, publishes the credentials to the
// store, then starts the mirror. On failure everything already started is
// stopped again and the store is left untouched.
func (s *Session) Start(auth string, creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}

	creds = creds.Resolve()
	id := uuid.New()
	srv := s.deps.NewServer(creds.Port)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start web server on port %d: %w", creds.Port, err)
	}
	if err := s.deps.Controller.Start(auth); err != nil {
		return multierr.Append(fmt.Errorf("start capture: %w", err), shutdown(srv))
	}
	s.deps.Store.SetString(config.KeyPassword, creds.Password)
	s.deps.Store.SetString(config.KeyPort, strconv.Itoa(creds.Port))

	var mirror Mirror
	if s.deps.NewMirror != nil {
		mirror = s.deps.NewMirror()
		if err := mirror.Start(); err != nil {
			// The mirror is optional; the HTTP stream keeps running without it.
			log.Printf("[SESSION %s] rtsp mirror disabled: %v", short(id), err)
			mirror = nil
		}
	}

	s.id = id
	s.creds = creds
	s.server = srv
	s.mirror = mirror
	s.running = true
	s.done = make(chan struct{})
	s.stop = make(chan struct{})

	captureDone := s.deps.Controller.Done()
	stop := s.stop
	s.watcher = &conc.WaitGroup{}
	s.watcher.Go(func() {
		select {
		case <-stop:
		case <-captureDone:
			log.Printf("[SESSION %s] capture ended, stopping session", short(id))
			go s.stopRun(id)
		}
	})

	live := s.liveCredentials(creds)
	log.Printf("[SESSION %s] sharing started. Visit %s on your LAN.", short(id), ShareURL(live.Port))
	return nil
}

// Stop tears the session down in reverse start order. Calling it on a
// stopped session does nothing.
func (s *Session) Stop() error {
	return s.stopRun(uuid.Nil)
}

// stopRun stops the current run. A non-nil id must name that run, so a late
// stop from an earlier run's watcher leaves a restarted session alone. The
// lock is held for the whole teardown so a concurrent Start waits for it.
func (s *Session) stopRun(run uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || (run != uuid.Nil && run != s.id) {
		return nil
	}
	s.running = false
	close(s.stop)

	var err error
	if s.mirror != nil {
		err = multierr.Append(err, s.mirror.Close())
	}
	err = multierr.Append(err, s.deps.Controller.Stop())
	err = multierr.Append(err, shutdown(s.server))
	// The watcher never takes mu, it only spawns stopRun.
	s.watcher.Wait()
	close(s.done)
	s.server, s.mirror, s.watcher = nil, nil, nil
	log.Printf("[SESSION %s] sharing stopped", short(s.id))
	return err
}

// Done is closed once the current session has fully stopped.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Credentials reports the values viewers currently sign in with. While
// running they are read from the store, so a reloaded password shows up.
func (s *Session) Credentials() Credentials {
	s.mu.Lock()
	running, creds := s.running, s.creds
	s.mu.Unlock()
	if !running {
		return creds
	}
	return s.liveCredentials(creds)
}

func (s *Session) liveCredentials(fallback Credentials) Credentials {
	return Credentials{
		Password: s.deps.Store.GetString(config.KeyPassword, fallback.Password),
		Port:     s.deps.Store.GetInt(config.KeyPort, fallback.Port),
	}
}

func shutdown(srv HTTPServer) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

func short(id uuid.UUID) string {
	return id.String()[:8]
}

var _ Controller = (*capture.Controller)(nil)
