package session

import (
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"net/http"
	"sync"
	"testing"
	"time"

	"lan-screen-streamer/internal/broadcast"
	"lan-screen-streamer/internal/capture"
	"lan-screen-streamer/internal/capture/synthetic"
	"lan-screen-streamer/internal/encode"
	"lan-screen-streamer/internal/frame"
	"lan-screen-streamer/internal/server"
	"lan-screen-streamer/pkg/config"

	"github.com/disintegration/imaging"
	"github.com/spf13/afero"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeServer struct {
	rec      *recorder
	port     int
	startErr error
}

func (f *fakeServer) Start() error {
	f.rec.add(fmt.Sprintf("server.start:%d", f.port))
	return f.startErr
}

func (f *fakeServer) Shutdown(context.Context) error {
	f.rec.add("server.shutdown")
	return nil
}

type fakeController struct {
	rec      *recorder
	startErr error

	mu   sync.Mutex
	done chan struct{}
}

func newFakeController(rec *recorder) *fakeController {
	done := make(chan struct{})
	close(done)
	return &fakeController{rec: rec, done: done}
}

func (f *fakeController) Start(auth string) error {
	f.rec.add("capture.start")
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.done = make(chan struct{})
	f.mu.Unlock()
	return nil
}

func (f *fakeController) Stop() error {
	f.rec.add("capture.stop")
	f.end()
	return nil
}

// end simulates capture finishing on its own.
func (f *fakeController) end() {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
	default:
		close(f.done)
	}
}

func (f *fakeController) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

type fakeMirror struct {
	rec      *recorder
	startErr error
}

func (f *fakeMirror) Start() error {
	f.rec.add("mirror.start")
	return f.startErr
}

func (f *fakeMirror) Close() error {
	f.rec.add("mirror.close")
	return nil
}

func fakeDeps(rec *recorder) (Deps, *fakeController) {
	ctrl := newFakeController(rec)
	return Deps{
		Store:      config.NewStore(nil, afero.NewMemMapFs()),
		Controller: ctrl,
		NewServer: func(port int) HTTPServer {
			return &fakeServer{rec: rec, port: port}
		},
	}, ctrl
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCredentialFallbacks(t *testing.T) {
	cases := []struct {
		in   Credentials
		want Credentials
	}{
		{Credentials{"", 8080}, Credentials{"1234", 8080}},
		{Credentials{"  ", 80}, Credentials{"1234", 8080}},
		{Credentials{"abcd", 70000}, Credentials{"abcd", 8080}},
		{Credentials{"abcd", 9000}, Credentials{"abcd", 9000}},
	}
	for _, tc := range cases {
		if got := tc.in.Resolve(); got != tc.want {
			t.Errorf("Resolve(%+v) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestStartStoresCredentials(t *testing.T) {
	rec := &recorder{}
	deps, _ := fakeDeps(rec)
	s := New(deps)
	if err := s.Start("", Credentials{Password: "", Port: 1}); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if got := deps.Store.GetString(config.KeyPassword, ""); got != "1234" {
		t.Errorf("stored password %q", got)
	}
	if got := deps.Store.GetInt(config.KeyPort, 0); got != 8080 {
		t.Errorf("stored port %d", got)
	}
	if got := s.Credentials(); got != (Credentials{"1234", 8080}) {
		t.Errorf("credentials %+v", got)
	}
	if !equal(rec.list(), []string{"server.start:8080", "capture.start"}) {
		t.Errorf("calls %v", rec.list())
	}
	if err := s.Start("", Credentials{}); !errors.Is(err, ErrRunning) {
		t.Errorf("second start: %v", err)
	}
}

func TestStopOrderAndIdempotence(t *testing.T) {
	rec := &recorder{}
	deps, _ := fakeDeps(rec)
	deps.NewMirror = func() Mirror { return &fakeMirror{rec: rec} }
	s := New(deps)
	if err := s.Start("", Credentials{Password: "abcd", Port: 9000}); err != nil {
		t.Fatal(err)
	}
	done := s.Done()
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	<-done
	want := []string{
		"server.start:9000", "capture.start", "mirror.start",
		"mirror.close", "capture.stop", "server.shutdown",
	}
	if !equal(rec.list(), want) {
		t.Errorf("calls %v\nwant  %v", rec.list(), want)
	}
	if s.Running() {
		t.Error("still running")
	}
}

func TestCaptureFailureShutsServerDown(t *testing.T) {
	rec := &recorder{}
	deps, ctrl := fakeDeps(rec)
	ctrl.startErr = errors.New("denied")
	s := New(deps)
	if err := s.Start("", Credentials{Password: "abcd", Port: 9000}); err == nil {
		t.Fatal("expected error")
	}
	if s.Running() {
		t.Error("running after failed start")
	}
	want := []string{"server.start:9000", "capture.start", "server.shutdown"}
	if !equal(rec.list(), want) {
		t.Errorf("calls %v", rec.list())
	}
	if got := deps.Store.GetString(config.KeyPassword, "unset"); got != "unset" {
		t.Errorf("failed start stored password %q", got)
	}
}

func TestServerFailureSkipsCapture(t *testing.T) {
	rec := &recorder{}
	deps, _ := fakeDeps(rec)
	deps.NewServer = func(port int) HTTPServer {
		return &fakeServer{rec: rec, port: port, startErr: errors.New("address in use")}
	}
	s := New(deps)
	if err := s.Start("", Credentials{Password: "abcd", Port: 9000}); err == nil {
		t.Fatal("expected error")
	}
	if !equal(rec.list(), []string{"server.start:9000"}) {
		t.Errorf("calls %v", rec.list())
	}
	if got := deps.Store.GetString(config.KeyPassword, "unset"); got != "unset" {
		t.Errorf("failed start stored password %q", got)
	}
	if got := deps.Store.GetInt(config.KeyPort, 0); got != 0 {
		t.Errorf("failed start stored port %d", got)
	}
}

func TestFailedRestartKeepsPreviousSecret(t *testing.T) {
	rec := &recorder{}
	deps, ctrl := fakeDeps(rec)
	s := New(deps)
	if err := s.Start("", Credentials{Password: "first", Port: 9000}); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}

	ctrl.startErr = errors.New("denied")
	if err := s.Start("", Credentials{Password: "second", Port: 9100}); err == nil {
		t.Fatal("expected error")
	}
	if got := deps.Store.GetString(config.KeyPassword, ""); got != "first" {
		t.Errorf("password = %q, want the previous one", got)
	}
	if got := deps.Store.GetInt(config.KeyPort, 0); got != 9000 {
		t.Errorf("port = %d, want the previous one", got)
	}
}

func TestCredentialsFollowStore(t *testing.T) {
	rec := &recorder{}
	deps, _ := fakeDeps(rec)
	s := New(deps)
	if err := s.Start("", Credentials{Password: "abcd", Port: 9000}); err != nil {
		t.Fatal(err)
	}
	deps.Store.SetString(config.KeyPassword, "edited")
	if got := s.Credentials(); got != (Credentials{"edited", 9000}) {
		t.Errorf("credentials %+v while running", got)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if got := s.Credentials(); got != (Credentials{"abcd", 9000}) {
		t.Errorf("credentials %+v after stop", got)
	}
}

func TestConcurrentStopAndRestart(t *testing.T) {
	rec := &recorder{}
	deps, _ := fakeDeps(rec)
	s := New(deps)
	for i := 0; i < 50; i++ {
		if err := s.Start("", Credentials{Password: "abcd", Port: 9000}); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Stop()
		}()
		go func() {
			defer wg.Done()
			if err := s.Start("", Credentials{Password: "abcd", Port: 9000}); err != nil && !errors.Is(err, ErrRunning) {
				t.Errorf("restart: %v", err)
			}
		}()
		wg.Wait()
		if err := s.Stop(); err != nil {
			t.Fatal(err)
		}
		if s.Running() {
			t.Fatalf("run %d still running", i)
		}
	}
}

func TestMirrorFailureIsNotFatal(t *testing.T) {
	rec := &recorder{}
	deps, _ := fakeDeps(rec)
	deps.NewMirror = func() Mirror { return &fakeMirror{rec: rec, startErr: errors.New("port in use")} }
	s := New(deps)
	if err := s.Start("", Credentials{Password: "abcd", Port: 9000}); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	for _, call := range rec.list() {
		if call == "mirror.close" {
			t.Error("closed a mirror that never started")
		}
	}
}

func TestCaptureEndStopsSession(t *testing.T) {
	rec := &recorder{}
	deps, ctrl := fakeDeps(rec)
	s := New(deps)
	if err := s.Start("", Credentials{Password: "abcd", Port: 9000}); err != nil {
		t.Fatal(err)
	}
	done := s.Done()
	ctrl.end()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop after capture ended")
	}
	if s.Running() {
		t.Error("still running")
	}
	if err := s.Start("", Credentials{Password: "abcd", Port: 9000}); err != nil {
		t.Fatalf("restart: %v", err)
	}
	s.Stop()
}

// TestSharingEndToEnd runs the real server and controller over a synthetic
// display.
func TestSharingEndToEnd(t *testing.T) {
	src := synthetic.New(frame.Geometry{Width: 100, Height: 200}, synthetic.WithRowPadding(32))
	frames := broadcast.New()
	enc := encode.NewEncoderWithPolicy(encode.Policy{Downscale: 2, Quality: 50, Format: imaging.JPEG})
	ctrl := capture.NewController(src, enc, frames)
	store := config.NewStore(nil, afero.NewMemMapFs())

	var srv *server.Server
	s := New(Deps{
		Store:      store,
		Controller: ctrl,
		NewServer: func(int) HTTPServer {
			srv = server.New(server.Options{Addr: "127.0.0.1:0", PollInterval: 150 * time.Millisecond}, frames,
				func() string { return store.GetString(config.KeyPassword, "") })
			return srv
		},
	})
	if err := s.Start("", Credentials{Password: "abcd", Port: 9000}); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	base := "http://" + srv.Addr().String()
	get := func(path string) *http.Response {
		t.Helper()
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	resp := get("/frame?token=abcd")
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("before first frame: %d", resp.StatusCode)
	}

	src.Emit()
	deadline := time.Now().Add(5 * time.Second)
	for !frames.HasFrame() {
		if time.Now().After(deadline) {
			t.Fatal("no frame published")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp = get("/frame?token=abcd")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid token: %d", resp.StatusCode)
	}
	cfg, err := jpeg.DecodeConfig(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Width != 50 || cfg.Height != 100 {
		t.Errorf("frame %dx%d, want 50x100", cfg.Width, cfg.Height)
	}

	for path, want := range map[string]int{
		"/frame?token=wrong": http.StatusUnauthorized,
		"/frame":             http.StatusUnauthorized,
		"/unknown":           http.StatusNotFound,
	} {
		resp := get(path)
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("%s: %d, want %d", path, resp.StatusCode, want)
		}
	}

	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if ctrl.State() != capture.Idle {
		t.Error("capture still running")
	}
	if src.Outstanding() != 0 {
		t.Errorf("%d buffers outstanding", src.Outstanding())
	}
	if _, err := http.Get(base + "/"); err == nil {
		t.Error("server still accepting after stop")
	}
}
