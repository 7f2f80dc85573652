// Package clients connects open pages to edge over WebSocket.
//
// Pages receive notifications, navigation requests and the controllerchange
// update signal; they send back notification clicks.
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/noncefirewall/portfolio/internal/services/edge/deferred"
	"github.com/noncefirewall/portfolio/internal/services/edge/httpx"
	"golang.org/x/net/websocket"
)

const (
	FrameNotification      = "notification"
	FrameNotificationClose = "notificationclose"
	FrameNavigate          = "navigate"
	FrameControllerChange  = "controllerchange"
	FrameNotificationClick = "notificationclick"
	FrameError             = "error"

	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 20
	maxDecodeErrorsPerConn = 3
	frameWriteTimeout      = 5 * time.Second
)

// Frame is the envelope exchanged with pages.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type navigatePayload struct {
	URL string `json:"url"`
}

type closePayload struct {
	ID string `json:"id"`
}

type controllerChangePayload struct {
	Version string `json:"version"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ClickHandler receives notification clicks reported by pages.
type ClickHandler func(ctx context.Context, click deferred.Click)

// frameConn is the write side of a page connection.
type frameConn interface {
	io.Writer
	SetWriteDeadline(t time.Time) error
	Close() error
}

type peer struct {
	mu      sync.Mutex
	conn    frameConn
	encoder *json.Encoder
}

func newPeer(conn frameConn) *peer {
	return &peer{conn: conn, encoder: json.NewEncoder(conn)}
}

// writeFrame encodes frame before the earlier of ctx's deadline and the
// per-frame write timeout. A page that misses it is disconnected.
func (p *peer) writeFrame(ctx context.Context, frame Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(frameWriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := p.encoder.Encode(frame); err != nil {
		_ = p.conn.Close()
		return err
	}
	return p.conn.SetWriteDeadline(time.Time{})
}

// Hub tracks connected pages.
type Hub struct {
	logger *log.Logger

	mu      sync.RWMutex
	peers   map[*peer]struct{}
	onClick ClickHandler
}

// NewHub builds an empty hub.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{logger: logger, peers: make(map[*peer]struct{})}
}

// OnClick installs the notification click handler.
func (h *Hub) OnClick(fn ClickHandler) {
	h.mu.Lock()
	h.onClick = fn
	h.mu.Unlock()
}

// Count returns the number of connected pages.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Handler serves the WebSocket endpoint.
func (h *Hub) Handler() http.Handler {
	ws := websocket.Handler(h.serveConn)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httpx.MethodNotAllowed(http.MethodGet)(w, r)
			return
		}
		ws.ServeHTTP(w, r)
	})
}

// Broadcast sends frame to every page and returns how many received it.
// Pages that cannot take the frame before ctx ends are skipped.
func (h *Hub) Broadcast(ctx context.Context, frame Frame) int {
	h.mu.RLock()
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, p := range peers {
		if err := p.writeFrame(ctx, frame); err != nil {
			h.logger.Printf("edge: client write failed type=%s err=%v", frame.Type, err)
			continue
		}
		delivered++
	}
	return delivered
}

// ShowNotification delivers n to every page.
func (h *Hub) ShowNotification(ctx context.Context, n deferred.Notification) error {
	frame, err := newFrame(FrameNotification, n)
	if err != nil {
		return err
	}
	if h.Broadcast(ctx, frame) == 0 {
		h.logger.Printf("edge: notification queued for no clients id=%s title=%q", n.ID, n.Title)
	}
	return nil
}

// CloseNotification dismisses a notification on every page.
func (h *Hub) CloseNotification(ctx context.Context, id string) error {
	frame, err := newFrame(FrameNotificationClose, closePayload{ID: id})
	if err != nil {
		return err
	}
	h.Broadcast(ctx, frame)
	return nil
}

// OpenWindow asks a page to open or focus url.
func (h *Hub) OpenWindow(ctx context.Context, url string) error {
	frame, err := newFrame(FrameNavigate, navigatePayload{URL: url})
	if err != nil {
		return err
	}
	if h.Broadcast(ctx, frame) == 0 {
		h.logger.Printf("edge: open window requested url=%s clients=0", url)
	}
	return nil
}

// Claim signals every page that version now controls it.
func (h *Hub) Claim(ctx context.Context, version string) error {
	frame, err := newFrame(FrameControllerChange, controllerChangePayload{Version: version})
	if err != nil {
		return err
	}
	delivered := h.Broadcast(ctx, frame)
	h.logger.Printf("edge: claimed clients version=%s clients=%d", version, delivered)
	return nil
}

func (h *Hub) add(p *peer) {
	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(p *peer) {
	h.mu.Lock()
	delete(h.peers, p)
	h.mu.Unlock()
}

func (h *Hub) clickHandler() ClickHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onClick
}

func (h *Hub) serveConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	p := newPeer(conn)
	h.add(p)
	defer h.remove(p)

	ctx := context.Background()
	if request := conn.Request(); request != nil {
		ctx = context.WithoutCancel(request.Context())
	}
	decoder := json.NewDecoder(conn)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame Frame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeError(ctx, p, "invalid frame")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeError(ctx, p, "payload too large")
			continue
		}
		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeError(ctx, p, "rate limit exceeded")
			return
		}

		switch frame.Type {
		case FrameNotificationClick:
			var click deferred.Click
			if err := json.Unmarshal(frame.Payload, &click); err != nil {
				_ = writeError(ctx, p, "invalid notificationclick payload")
				continue
			}
			if handler := h.clickHandler(); handler != nil {
				handler(ctx, click)
			}
		default:
			_ = writeError(ctx, p, "unsupported frame type")
		}
	}
}

func writeError(ctx context.Context, p *peer, message string) error {
	frame, err := newFrame(FrameError, errorPayload{Message: message})
	if err != nil {
		return err
	}
	return p.writeFrame(ctx, frame)
}

func newFrame(frameType string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s frame: %w", frameType, err)
	}
	return Frame{Type: frameType, Payload: data}, nil
}

var _ deferred.Notifier = (*Hub)(nil)
