package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const (
	realtimeReadLimit = 1 << 20
	subscribeTimeout  = 10 * time.Second
)

var errUnexpectedFrame = errors.New("remote: unexpected realtime frame")

// Subscribe opens the realtime channel for tables. It returns once the backend confirmed
// the subscription; handler runs on the subscription's read goroutine.
func (c *HTTPClient) Subscribe(ctx context.Context, tables []string, handler func(ChangeEvent)) (Subscription, error) {
	endpoint, err := c.realtimeURL(tables)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if token := c.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, NewStatusError(resp.StatusCode, "", err.Error())
		}
		return nil, &Error{Kind: Classify(err), Err: err}
	}
	conn.SetReadLimit(realtimeReadLimit)

	ackCtx, cancelAck := context.WithTimeout(ctx, subscribeTimeout)
	frame, err := readFrame(ackCtx, conn)
	cancelAck()
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "subscription not confirmed")
		return nil, &Error{Kind: Classify(err), Err: err}
	}
	switch frame.Kind {
	case FrameSubscribed:
	case FrameError:
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, &Error{Kind: KindAuth, Message: frame.Message}
	default:
		_ = conn.Close(websocket.StatusProtocolError, "unexpected frame")
		return nil, &Error{Kind: KindUnknown, Err: fmt.Errorf("%w: %s", errUnexpectedFrame, frame.Kind)}
	}

	readCtx, cancel := context.WithCancel(ctx)
	subscription := &wsSubscription{
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: c.logger,
	}
	go subscription.readLoop(readCtx, handler)
	return subscription, nil
}

func (c *HTTPClient) realtimeURL(tables []string) (string, error) {
	parsed, err := url.Parse(c.baseURL + pathRealtime)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	query := parsed.Query()
	query.Set("tables", strings.Join(tables, ","))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

type wsSubscription struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
	logger *zap.Logger

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *wsSubscription) Done() <-chan struct{} {
	return s.done
}

func (s *wsSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wsSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	s.cancel()
	<-s.done
	return err
}

func (s *wsSubscription) readLoop(ctx context.Context, handler func(ChangeEvent)) {
	defer close(s.done)
	defer s.cancel()
	for {
		frame, err := readFrame(ctx, s.conn)
		if err != nil {
			s.finish(&Error{Kind: Classify(err), Err: err})
			return
		}
		switch frame.Kind {
		case FrameChange:
			if frame.Change != nil && handler != nil {
				handler(*frame.Change)
			}
		case FrameError:
			s.finish(&Error{Kind: KindServer, Message: frame.Message})
			_ = s.conn.Close(websocket.StatusNormalClosure, "")
			return
		default:
			s.logger.Debug("ignoring realtime frame", zap.String("kind", frame.Kind))
		}
	}
}

func (s *wsSubscription) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
}

func readFrame(ctx context.Context, conn *websocket.Conn) (Frame, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return Frame{}, err
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("remote: decode realtime frame: %w", err)
	}
	return frame, nil
}
