package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"camrelay/internal/log"
	"camrelay/internal/reconnect"
)

var (
	// ErrSessionNotFound means the server does not know the session.
	ErrSessionNotFound = errors.New("ws: session not found")
	// ErrUnauthorized means the server rejected the token.
	ErrUnauthorized = errors.New("ws: unauthorized")
	// ErrReplaced means another client took over the session's slot.
	ErrReplaced = errors.New("ws: replaced by another client")
	// ErrSessionEnded means the server closed the session.
	ErrSessionEnded = errors.New("ws: session ended")
)

// Subscriber connects to a session's result socket and reconnects with
// bounded backoff when the connection drops.
type Subscriber struct {
	URL         string // ws(s)://host/ws/sessions/{id}/results
	Token       string // sent as ?token=
	Policy      reconnect.Policy
	Dialer      *websocket.Dialer
	ReadTimeout time.Duration // silence tolerated before reconnecting, must exceed the server ping interval (default 60s)
	Logger      zerolog.Logger
	OnResult    func(*ResultMessage)
	OnStatus    func(*StatusMessage)
}

// Run delivers messages until ctx ends or a non-retryable condition occurs.
// It returns ctx.Err() on cancellation and wraps reconnect.ErrExhausted when
// the retry budget runs out.
func (s *Subscriber) Run(ctx context.Context) error {
	target, err := s.target()
	if err != nil {
		return err
	}
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	backoff := reconnect.NewBackoff(s.Policy)
	logger := s.Logger.With().Str(log.FieldURL, s.URL).Logger()

	for {
		conn, resp, err := dialer.DialContext(ctx, target, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if resp != nil {
				switch resp.StatusCode {
				case http.StatusNotFound:
					return ErrSessionNotFound
				case http.StatusUnauthorized, http.StatusForbidden:
					return ErrUnauthorized
				}
			}
			logger.Warn().Err(err).Int(log.FieldAttempt, backoff.Attempt()+1).Msg("result socket dial failed")
			if werr := backoff.Wait(ctx); werr != nil {
				return fmt.Errorf("result socket: %w (last error: %v)", werr, err)
			}
			continue
		}

		backoff.Reset()
		logger.Info().Msg("result socket connected")
		err = s.consume(ctx, conn)

		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case websocket.IsCloseError(err, CloseReplaced):
			return ErrReplaced
		case websocket.IsCloseError(err, CloseSessionEnded):
			return ErrSessionEnded
		}
		logger.Warn().Err(err).Msg("result socket lost, reconnecting")
		if werr := backoff.Wait(ctx); werr != nil {
			return fmt.Errorf("result socket: %w (last error: %v)", werr, err)
		}
	}
}

func (s *Subscriber) target() (string, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return "", fmt.Errorf("ws: invalid url: %w", err)
	}
	if s.Token != "" {
		q := u.Query()
		q.Set("token", s.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (s *Subscriber) consume(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadlineSoon())
		conn.Close()
	})
	defer stop()
	defer conn.Close()

	wait := s.ReadTimeout
	if wait <= 0 {
		wait = defaultReadTimeout
	}
	conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(wait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), deadlineSoon())
		if err == websocket.ErrCloseSent {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(wait))
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.Logger.Debug().Err(err).Msg("ignoring malformed message")
			continue
		}
		switch env.Type {
		case TypeResult:
			var msg ResultMessage
			if err := json.Unmarshal(data, &msg); err == nil && s.OnResult != nil {
				s.OnResult(&msg)
			}
		case TypeStatus:
			var msg StatusMessage
			if err := json.Unmarshal(data, &msg); err == nil && s.OnStatus != nil {
				s.OnStatus(&msg)
			}
		}
	}
}

const defaultReadTimeout = 60 * time.Second

func deadlineSoon() time.Time {
	return time.Now().Add(time.Second)
}
