package veda

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
)

// Stream frame discriminators.
const (
	frameOrderUpdate = "order_update"
	frameQuote       = "market.quote"
	frameTrade       = "market.trade"
	frameBar         = "market.bar"
)

// streamFrame is one message off the order update socket. Order frames
// carry the venue order plus fill details; market frames carry their payload
// in Data.
type streamFrame struct {
	Type       string          `json:"type"`
	Order      *wireOrder      `json:"order,omitempty"`
	FillQty    string          `json:"fill_qty,omitempty"`
	FillPrice  string          `json:"fill_price,omitempty"`
	Commission string          `json:"commission,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// stream keeps one websocket session alive against the venue, redialing
// with exponential backoff when the connection drops.
type stream struct {
	cfg     Config
	handler func(streamFrame) error
	logger  *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.Mutex
	conn   *websocket.Conn

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
}

func newStream(cfg Config, handler func(streamFrame) error, logger *log.Logger) *stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &stream{
		cfg:       cfg,
		handler:   handler,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		connMu:    sync.Mutex{},
		conn:      nil,
		ready:     make(chan struct{}),
		readyOnce: sync.Once{},
		done:      make(chan struct{}),
	}
}

// start launches the connection loop and waits for the first session.
func (s *stream) start(ctx context.Context) error {
	go func() {
		defer close(s.done)
		if err := s.connect(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Printf("stream terminated: %v", err)
		}
	}()

	select {
	case <-s.ready:
		return nil
	case <-time.After(10 * time.Second):
		s.cancel()
		return errors.New("timeout waiting for stream connection")
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("stream start interrupted: %w", ctx.Err())
	}
}

// stop tears the session down and waits for the loop to exit.
func (s *stream) stop() {
	s.cancel()
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
		s.conn = nil
	}
	s.connMu.Unlock()
	<-s.done
}

// connect dials the venue in a loop. Each session runs a read loop and a
// ping loop; either failing tears the session down and triggers a backoff
// before the next dial.
func (s *stream) connect() error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectInterval

	for {
		select {
		case <-s.ctx.Done():
			return context.Canceled
		default:
		}

		opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
		if s.cfg.APIKey != "" {
			opts.HTTPHeader.Set("Authorization", "Bearer "+s.cfg.APIKey)
		}
		conn, _, err := websocket.Dial(s.ctx, s.cfg.StreamURL, opts)
		if err != nil {
			s.logger.Printf("stream dial %s failed: %v", s.cfg.StreamURL, err)
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = maxReconnectInterval
			}
			select {
			case <-s.ctx.Done():
				return context.Canceled
			case <-time.After(sleep):
				continue
			}
		}

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()
		conn.SetReadLimit(streamReadLimit)
		s.readyOnce.Do(func() { close(s.ready) })
		backoffCfg.Reset()

		connCtx, connCancel := context.WithCancel(s.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			errCh <- s.readLoop(connCtx, conn)
		}()
		go func() {
			defer wg.Done()
			errCh <- s.pingLoop(connCtx, conn)
		}()

		firstErr := <-errCh
		connCancel()

		s.connMu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()
		close(errCh)

		if firstErr != nil && !errors.Is(firstErr, context.Canceled) {
			s.logger.Printf("stream session ended: %v", firstErr)
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxReconnectInterval
		}
		select {
		case <-s.ctx.Done():
			return context.Canceled
		case <-time.After(sleep):
		}
	}
}

func (s *stream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return context.Canceled
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}

		var frame streamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Printf("stream frame decode failed: %v", err)
			continue
		}
		if s.handler != nil {
			if err := s.handler(frame); err != nil {
				s.logger.Printf("stream frame handling failed: %v", err)
			}
		}
	}
}

func (s *stream) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
					return context.Canceled
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}
