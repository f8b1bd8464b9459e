package stream

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"lan-screen-streamer/internal/frame"
	"lan-screen-streamer/pkg/config"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"
)

// maxJPEGDimension is the largest width or height an RFC 2435 header can carry.
const maxJPEGDimension = 255 * 8

// jpegHeaderSize is the RFC 2435 main header prepended to each fragment.
const jpegHeaderSize = 8

// FrameSource is the read side of the broadcaster.
type FrameSource interface {
	Latest() (frame.Encoded, bool)
	Seq() uint64
}

type myHandler struct {
	stream        *gortsplib.ServerStream
	activeClients *int32
	path          string
	secret        func() string
	debug         bool

	mu      sync.Mutex
	playing map[*gortsplib.ServerConn]struct{}
}

func (h *myHandler) OnConnOpen(ctx *gortsplib.ServerHandlerOnConnOpenCtx) {
	log.Println("[RTSP] client connected from", ctx.Conn.NetConn().RemoteAddr())
}

func (h *myHandler) OnConnClose(ctx *gortsplib.ServerHandlerOnConnCloseCtx) {
	h.mu.Lock()
	if _, ok := h.playing[ctx.Conn]; ok {
		delete(h.playing, ctx.Conn)
		atomic.AddInt32(h.activeClients, -1)
	}
	h.mu.Unlock()
	log.Println("[RTSP] client disconnected, remaining:", atomic.LoadInt32(h.activeClients))
}

// check validates the request path and token and returns the status to
// answer with when the request must be rejected.
func (h *myHandler) check(path, query string) (base.StatusCode, bool) {
	if strings.TrimPrefix(path, "/") != h.path {
		return base.StatusNotFound, false
	}
	if !tokenAccepted(query, h.secret()) {
		return base.StatusUnauthorized, false
	}
	return base.StatusOK, true
}

func (h *myHandler) OnDescribe(ctx *gortsplib.ServerHandlerOnDescribeCtx) (*base.Response, *gortsplib.ServerStream, error) {
	logDebug(h.debug, "[RTSP] describe %s", ctx.Path)
	if code, ok := h.check(ctx.Path, ctx.Query); !ok {
		log.Println("[RTSP] describe rejected:", ctx.Path, code)
		return &base.Response{StatusCode: code}, nil, nil
	}
	return h.serveStream()
}

func (h *myHandler) OnSetup(ctx *gortsplib.ServerHandlerOnSetupCtx) (*base.Response, *gortsplib.ServerStream, error) {
	if code, ok := h.check(ctx.Path, ctx.Query); !ok {
		log.Println("[RTSP] setup rejected:", ctx.Path, code)
		return &base.Response{StatusCode: code}, nil, nil
	}
	return h.serveStream()
}

func (h *myHandler) OnPlay(ctx *gortsplib.ServerHandlerOnPlayCtx) (*base.Response, error) {
	if code, ok := h.check(ctx.Path, ctx.Query); !ok {
		log.Println("[RTSP] play rejected:", ctx.Path, code)
		return &base.Response{StatusCode: code}, nil
	}
	h.mu.Lock()
	if _, ok := h.playing[ctx.Conn]; !ok {
		h.playing[ctx.Conn] = struct{}{}
		atomic.AddInt32(h.activeClients, 1)
	}
	h.mu.Unlock()
	log.Println("[RTSP] play requested, active clients:", atomic.LoadInt32(h.activeClients))
	return &base.Response{StatusCode: base.StatusOK}, nil
}

func (h *myHandler) serveStream() (*base.Response, *gortsplib.ServerStream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stream == nil {
		return &base.Response{StatusCode: base.StatusServiceUnavailable}, nil, nil
	}
	return &base.Response{StatusCode: base.StatusOK}, h.stream, nil
}

// tokenAccepted applies the HTTP rule to an RTSP query string.
func tokenAccepted(rawQuery, secret string) bool {
	values, err := url.ParseQuery(rawQuery)
	if err != nil || secret == "" {
		return false
	}
	token := values.Get("token")
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

func buildJPEGHeader(offset int, width, height int) []byte {
	h := make([]byte, jpegHeaderSize)
	h[0] = 0x00
	h[1] = byte(offset >> 16)
	h[2] = byte(offset >> 8)
	h[3] = byte(offset)
	h[4] = 1
	h[5] = 0x01
	h[6] = byte(width / 8)
	h[7] = byte(height / 8)
	return h
}

// packetize splits one JPEG into RTP packets no larger than maxPayload.
// The marker bit is set on the last packet of the frame only.
func packetize(f frame.Encoded, maxPayload int, payloadType uint8, seq uint16, ts uint32) []*rtp.Packet {
	var packets []*rtp.Packet
	chunk := maxPayload - jpegHeaderSize
	for offset := 0; offset < len(f.Data); {
		n := len(f.Data) - offset
		if n > chunk {
			n = chunk
		}
		payload := append(buildJPEGHeader(offset, f.Width, f.Height), f.Data[offset:offset+n]...)
		packets = append(packets, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    payloadType,
				SequenceNumber: seq,
				Timestamp:      ts,
				SSRC:           12345678,
				Marker:         offset+n >= len(f.Data),
			},
			Payload: payload,
		})
		offset += n
		seq++
	}
	return packets
}

func logDebug(debug bool, format string, v ...any) {
	if debug {
		log.Printf(format, v...)
	}
}

// Mirror republishes the broadcaster's JPEG frames as RTP/MJPEG over RTSP.
type Mirror struct {
	cfg    *config.Config
	frames FrameSource
	secret func() string

	mu     sync.Mutex
	server *gortsplib.Server
	stream *gortsplib.ServerStream
	quit   chan struct{}
	done   chan struct{}
}

func NewMirror(cfg *config.Config, frames FrameSource, secret func() string) *Mirror {
	return &Mirror{cfg: cfg, frames: frames, secret: secret}
}

func (m *Mirror) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server != nil {
		return errors.New("rtsp mirror already started")
	}

	port := m.cfg.Rtsp.Port
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", port), 500*time.Millisecond)
	if err == nil {
		conn.Close()
		return fmt.Errorf("port %d already in use", port)
	}

	mjpeg := &format.MJPEG{}
	media := &description.Media{
		Type:    description.MediaTypeVideo,
		Control: "trackID=0",
		Formats: []format.Format{mjpeg},
	}

	var activeClients int32
	h := &myHandler{
		activeClients: &activeClients,
		path:          m.cfg.Rtsp.Path,
		secret:        m.secret,
		debug:         m.cfg.Debug(),
		playing:       make(map[*gortsplib.ServerConn]struct{}),
	}
	server := &gortsplib.Server{
		RTSPAddress:   fmt.Sprintf(":%d", port),
		Handler:       h,
		MaxPacketSize: m.cfg.Rtsp.RtpPayloadMaxSize + 12,
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("start rtsp server: %w", err)
	}

	stream := &gortsplib.ServerStream{
		Server: server,
		Desc: &description.Session{
			Medias: []*description.Media{media},
			Title:  "LAN Screen Streamer",
		},
	}
	if err := stream.Initialize(); err != nil {
		server.Close()
		return fmt.Errorf("initialize rtsp stream: %w", err)
	}
	h.mu.Lock()
	h.stream = stream
	h.mu.Unlock()

	m.server = server
	m.stream = stream
	m.quit = make(chan struct{})
	m.done = make(chan struct{})
	log.Printf("[RTSP] ready on rtsp://localhost:%d/%s?token=...", port, m.cfg.Rtsp.Path)

	go m.run(media, mjpeg.PayloadType(), &activeClients)
	return nil
}

func (m *Mirror) run(media *description.Media, payloadType uint8, activeClients *int32) {
	defer close(m.done)
	var (
		seq       uint16
		ts        uint32
		lastSeq   uint64
		wasActive bool
	)
	ticker := time.NewTicker(time.Second / time.Duration(m.cfg.FrameRate))
	defer ticker.Stop()
	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
		}
		ts += 90000 / uint32(m.cfg.FrameRate)
		if atomic.LoadInt32(activeClients) == 0 {
			if wasActive {
				log.Println("[RTSP] no clients, streaming paused")
				wasActive = false
			}
			continue
		}
		if !wasActive {
			log.Println("[RTSP] client detected, streaming started")
			wasActive = true
		}

		current := m.frames.Seq()
		if current == lastSeq {
			continue
		}
		f, ok := m.frames.Latest()
		if !ok || f.Empty() {
			continue
		}
		lastSeq = current
		if f.ContentType != frame.ContentTypeJPEG || f.Width > maxJPEGDimension || f.Height > maxJPEGDimension {
			logDebug(m.cfg.Debug(), "[RTSP] skipping %s frame %dx%d", f.ContentType, f.Width, f.Height)
			continue
		}

		for _, packet := range packetize(f, m.cfg.Rtsp.RtpPayloadMaxSize, payloadType, seq, ts) {
			if err := m.stream.WritePacketRTP(media, packet); err != nil {
				log.Println("[RTSP] failed to send packet:", err)
			} else {
				logDebug(m.cfg.Debug(), "[RTSP] sent: Seq=%d TS=%d Bytes=%d", packet.SequenceNumber, ts, len(packet.Payload))
			}
			seq++
		}
	}
}

// Close stops the packet loop and the RTSP server. Safe to call when not started.
func (m *Mirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server == nil {
		return nil
	}
	close(m.quit)
	<-m.done
	m.stream.Close()
	m.server.Close()
	m.server, m.stream = nil, nil
	log.Println("[RTSP] stopped")
	return nil
}
