package peersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mkoval/authlink/internal/logging"
)

const (
	wsWriteTimeout  = 5 * time.Second
	wsMaxFrameBytes = 1 << 20
)

// WSTransport reaches contexts in other processes through a relay that
// fans every frame out to all other connections. The relay never sees
// plaintext trust decisions: all verification happens at the endpoints, so a
// compromised relay can delay or drop messages but not forge them.
type WSTransport struct {
	log  logging.Logger
	conn *websocket.Conn

	mu       sync.Mutex
	handlers map[int]Handler
	nextSub  int

	cancel context.CancelFunc
	done   chan struct{}
}

// DialRelay connects to the relay at url and starts the read loop.
func DialRelay(ctx context.Context, url string, log logging.Logger) (*WSTransport, error) {
	conn, resp, err := websocket.Dial(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing sync relay: %w", err)
	}
	conn.SetReadLimit(wsMaxFrameBytes)

	readCtx, cancel := context.WithCancel(context.Background())
	t := &WSTransport{
		log:      log,
		conn:     conn,
		handlers: make(map[int]Handler),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go t.readLoop(readCtx)
	return t, nil
}

func (t *WSTransport) Send(ctx context.Context, env *Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := t.conn.Write(wctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("writing to sync relay: %w", err)
	}
	return nil
}

func (t *WSTransport) Subscribe(h Handler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	t.handlers[id] = h
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.handlers, id)
	}
}

func (t *WSTransport) Close() error {
	t.cancel()
	err := t.conn.Close(websocket.StatusNormalClosure, "closing")
	<-t.done
	return err
}

// Done is closed when the read loop exits, whether by Close or by the relay
// going away. Callers use it to fall back to single-context operation.
func (t *WSTransport) Done() <-chan struct{} { return t.done }

func (t *WSTransport) readLoop(ctx context.Context) {
	defer close(t.done)
	for {
		mt, data, err := t.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure &&
				!errors.Is(err, context.Canceled) && t.log != nil {
				t.log.Warn(ctx, "sync relay connection lost", "err", err)
			}
			return
		}
		if mt != websocket.MessageText {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// Not ours; the relay may carry other traffic.
			continue
		}
		t.dispatch(&env)
	}
}

func (t *WSTransport) dispatch(env *Envelope) {
	t.mu.Lock()
	handlers := make([]Handler, 0, len(t.handlers))
	for _, h := range t.handlers {
		handlers = append(handlers, h)
	}
	t.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
}
