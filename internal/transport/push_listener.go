package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSPushListener implements PushListener over a gorilla/websocket
// connection, reconnecting with a fixed backoff on read failure so a
// dropped connection never silently stops push delivery.
type WSPushListener struct {
	url    string
	logger *zap.Logger
	dialer *websocket.Dialer

	reconnectDelay time.Duration
}

// NewWSPushListener constructs a listener against a ws:// or wss://
// endpoint url.
func NewWSPushListener(url string, logger *zap.Logger) *WSPushListener {
	return &WSPushListener{
		url:            url,
		logger:         logger,
		dialer:         websocket.DefaultDialer,
		reconnectDelay: 5 * time.Second,
	}
}

type rawPushMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Listen dials the push endpoint and decodes inbound text frames into
// PushMessage, redialing after reconnectDelay on any read error until
// ctx is canceled. The returned channel is closed when ctx is done.
func (l *WSPushListener) Listen(ctx context.Context) (<-chan PushMessage, error) {
	out := make(chan PushMessage)

	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			l.runOnce(ctx, out)
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.reconnectDelay):
			}
		}
	}()

	return out, nil
}

func (l *WSPushListener) runOnce(ctx context.Context, out chan<- PushMessage) {
	conn, resp, err := l.dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		l.logger.Warn("transport: push dial failed", zap.Error(err), zap.String("url", l.url))
		return
	}
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	defer func() { _ = conn.Close() }()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Warn("transport: push read failed", zap.Error(err))
			}
			return
		}

		var raw rawPushMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			l.logger.Warn("transport: malformed push payload", zap.Error(err))
			continue
		}

		select {
		case out <- PushMessage{Type: raw.Type, Payload: raw.Payload}:
		case <-ctx.Done():
			return
		}
	}
}

// staticPushHandler is a minimal http.Handler usable by tests to serve
// a websocket endpoint without pulling in a full server package.
func staticPushHandler(upgrader websocket.Upgrader, messages []string, served chan<- struct{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for _, m := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		close(served)
		<-r.Context().Done()
	}
}
