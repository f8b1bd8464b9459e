package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lan-screen-streamer/internal/broadcast"
	"lan-screen-streamer/internal/capture"
	"lan-screen-streamer/internal/capture/screen"
	"lan-screen-streamer/internal/capture/synthetic"
	"lan-screen-streamer/internal/encode"
	"lan-screen-streamer/internal/frame"
	"lan-screen-streamer/internal/server"
	"lan-screen-streamer/internal/session"
	"lan-screen-streamer/internal/stream"
	"lan-screen-streamer/pkg/config"

	"github.com/spf13/pflag"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	flags := pflag.NewFlagSet("lan-screen-streamer", pflag.ExitOnError)
	configFile := flags.StringP("config", "c", "", "path to config file (default ./config.yaml)")
	flags.IntP("port", "p", config.DefaultPort, "HTTP port (1024-65535)")
	flags.StringP("password", "w", "", "viewer password (default "+config.DefaultPassword+")")
	flags.String("source", "screen", "capture source: screen or synthetic")
	flags.Int("displayIndex", 0, "display to capture")
	flags.Bool("rtsp.enabled", false, "also serve frames over RTSP")
	flags.Parse(os.Args[1:])

	cfg, v, err := config.LoadConfig(config.Options{File: *configFile, Flags: flags})
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	store := config.NewStore(v, nil)
	defer store.Close()
	if path := v.ConfigFileUsed(); path != "" {
		if err := store.Watch(path, config.KeyPassword); err != nil {
			log.Printf("[CONFIG] not watching %s: %v", path, err)
		}
	}
	secret := func() string { return store.GetString(config.KeyPassword, "") }

	frames := broadcast.New()
	controller := capture.NewController(newSource(cfg), encode.NewEncoder(cfg), frames)

	deps := session.Deps{
		Store:      store,
		Controller: controller,
		NewServer: func(port int) session.HTTPServer {
			return server.New(server.Options{
				Addr:         fmt.Sprintf(":%d", port),
				PollInterval: time.Duration(cfg.PollIntervalMs) * time.Millisecond,
				Debug:        cfg.Debug(),
			}, frames, secret)
		},
	}
	if cfg.Rtsp.Enabled {
		deps.NewMirror = func() session.Mirror {
			return stream.NewMirror(cfg, frames, secret)
		}
	}

	sess := session.New(deps)
	creds := session.Credentials{Password: cfg.Password, Port: cfg.Port}
	if err := sess.Start("", creds); err != nil {
		log.Fatalf("failed to start sharing: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case <-ctx.Done():
		log.Println("[SESSION] interrupt received")
	case <-sess.Done():
	}
	if err := sess.Stop(); err != nil {
		log.Printf("[SESSION] teardown: %v", err)
	}
	log.Printf("[CAPTURE] %+v", controller.Stats())
}

func newSource(cfg *config.Config) capture.Source {
	if cfg.Source == "synthetic" {
		g := frame.Geometry{Width: 1280, Height: 720, Density: cfg.Density}
		return synthetic.New(g, synthetic.WithInterval(time.Second/time.Duration(cfg.FrameRate)), synthetic.WithRowPadding(64))
	}
	return screen.NewSource(cfg)
}
