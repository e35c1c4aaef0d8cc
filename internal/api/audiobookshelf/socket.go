package audiobookshelf

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/drallgood/audiobookshelf-library-sync/internal/logger"
	"github.com/drallgood/audiobookshelf-library-sync/internal/models"
)

// Engine.IO / Socket.IO packet prefixes
const (
	packetOpen    = "0"
	packetPing    = "2"
	packetPong    = "3"
	packetConnect = "40"
	packetClose   = "41"
	packetEvent   = "42"
)

const (
	// EventItemProgressUpdated is pushed by the server when another device saves progress
	EventItemProgressUpdated = "user_item_progress_updated"
	// EventMediaProgress is the event name progress is also pushed under
	EventMediaProgress = "mediaProgress"

	socketReadTimeout = 60 * time.Second
	minReconnectDelay = time.Second
	maxReconnectDelay = 32 * time.Second
)

// SocketConfig configures a Socket
type SocketConfig struct {
	BaseURL string
	// Path of the socket.io endpoint, "/socket.io/" by default
	Path string
	// Token returns the access token for each (re)connect
	Token func() string
}

// ProgressHandler receives live progress updates
type ProgressHandler func(models.MediaProgressUpdate)

// Socket keeps a websocket to the server's socket.io endpoint open and
// hands media progress events to registered handlers.
type Socket struct {
	cfg    SocketConfig
	dialer websocket.Dialer
	log    *logger.Logger

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string]ProgressHandler

	connectedMu sync.Mutex
	connected   chan struct{}

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewSocket creates an unconnected socket
func NewSocket(cfg SocketConfig, log *logger.Logger) *Socket {
	if log == nil {
		log = logger.Get()
	}
	if cfg.Path == "" {
		cfg.Path = "/socket.io/"
	}
	return &Socket{
		cfg:       cfg,
		dialer:    websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:       log.Component("audiobookshelf_socket"),
		handlers:  make(map[string]ProgressHandler),
		connected: make(chan struct{}),
		stopChan:  make(chan struct{}),
	}
}

// NewSocketForClient builds a socket that follows the client's base URL and token
func NewSocketForClient(c *Client, path string, log *logger.Logger) *Socket {
	return NewSocket(SocketConfig{BaseURL: c.BaseURL(), Path: path, Token: c.AccessToken}, log)
}

// OnMediaProgress registers fn and returns a function that removes it
func (s *Socket) OnMediaProgress(fn ProgressHandler) (remove func()) {
	id := uuid.NewString()
	s.handlersMu.Lock()
	s.handlers[id] = fn
	s.handlersMu.Unlock()

	return func() {
		s.handlersMu.Lock()
		delete(s.handlers, id)
		s.handlersMu.Unlock()
	}
}

// Start connects in the background and keeps reconnecting with exponential
// backoff until ctx is done or Close is called.
func (s *Socket) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Connected returns a channel closed once the current connection finished
// the socket.io handshake
func (s *Socket) Connected() <-chan struct{} {
	s.connectedMu.Lock()
	defer s.connectedMu.Unlock()
	return s.connected
}

// Close stops the socket and waits for the background loop to exit
func (s *Socket) Close() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.closeConnection()
	})
	s.wg.Wait()
}

func (s *Socket) run(ctx context.Context) {
	defer s.wg.Done()

	delay := minReconnectDelay
	for {
		if s.stopped(ctx) {
			return
		}

		err := s.connect(ctx)
		if err == nil {
			delay = minReconnectDelay
			err = s.listen(ctx)
		}
		s.closeConnection()
		if s.stopped(ctx) {
			return
		}

		s.log.Warn("Socket disconnected, reconnecting", map[string]interface{}{
			"error": err,
			"delay": delay.String(),
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (s *Socket) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

func (s *Socket) connect(ctx context.Context) error {
	target, err := s.socketURL()
	if err != nil {
		return err
	}

	conn, resp, err := s.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	s.log.Debug("Socket opened")
	return nil
}

func (s *Socket) socketURL() (string, error) {
	u, err := url.Parse(s.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(s.cfg.Path, "/")

	q := url.Values{}
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	if s.cfg.Token != nil {
		if token := s.cfg.Token(); token != "" {
			q.Set("token", token)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Socket) listen(ctx context.Context) error {
	for {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn == nil {
			return fmt.Errorf("connection closed")
		}

		if err := conn.SetReadDeadline(time.Now().Add(socketReadTimeout)); err != nil {
			return err
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := s.handleMessage(string(message)); err != nil {
			return err
		}
	}
}

func (s *Socket) handleMessage(msg string) error {
	switch {
	case msg == packetPing:
		return s.write(packetPong)

	case strings.HasPrefix(msg, packetConnect):
		s.markConnected()
		if s.cfg.Token != nil {
			if token := s.cfg.Token(); token != "" {
				return s.emit("auth", token)
			}
		}
		return nil

	case strings.HasPrefix(msg, packetClose):
		return fmt.Errorf("server closed the socket.io session")

	case strings.HasPrefix(msg, packetEvent):
		s.route(msg[len(packetEvent):])
		return nil

	case strings.HasPrefix(msg, packetOpen):
		return s.write(packetConnect)
	}
	return nil
}

func (s *Socket) markConnected() {
	s.connectedMu.Lock()
	defer s.connectedMu.Unlock()
	select {
	case <-s.connected:
	default:
		close(s.connected)
	}
	s.log.Info("Socket connected")
}

func (s *Socket) route(raw string) {
	var frame []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &frame); err != nil || len(frame) == 0 {
		s.log.Debug("Ignoring malformed socket event", map[string]interface{}{"error": err})
		return
	}
	var name string
	if err := json.Unmarshal(frame[0], &name); err != nil {
		return
	}
	if name != EventItemProgressUpdated && name != EventMediaProgress {
		return
	}
	if len(frame) < 2 {
		return
	}

	update, ok := decodeProgressEvent(frame[1])
	if !ok {
		s.log.Debug("Ignoring progress event without item id", map[string]interface{}{"event": name})
		return
	}

	s.handlersMu.RLock()
	handlers := make([]ProgressHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.handlersMu.RUnlock()

	for _, h := range handlers {
		h(update)
	}
}

// decodeProgressEvent reads a progress payload. The server wraps it as
// {"id":..,"data":{..}} for user_item_progress_updated.
func decodeProgressEvent(raw json.RawMessage) (models.MediaProgressUpdate, bool) {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Data) > 0 && envelope.Data[0] == '{' {
		raw = envelope.Data
	}

	var update models.MediaProgressUpdate
	if err := json.Unmarshal(raw, &update); err != nil || update.LibraryItemID == "" {
		return models.MediaProgressUpdate{}, false
	}
	return update, true
}

func (s *Socket) emit(event string, data interface{}) error {
	payload, err := json.Marshal([]interface{}{event, data})
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event, err)
	}
	return s.write(packetEvent + string(payload))
}

func (s *Socket) write(msg string) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("socket not connected")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (s *Socket) closeConnection() {
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()
	if conn == nil {
		return
	}

	s.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	s.writeMu.Unlock()
	conn.Close()

	s.connectedMu.Lock()
	select {
	case <-s.connected:
		s.connected = make(chan struct{})
	default:
	}
	s.connectedMu.Unlock()
}
