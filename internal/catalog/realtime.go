package catalog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/froggieframe/pi-frame/internal/config"
	"github.com/froggieframe/pi-frame/internal/logging"
)

// ErrStreamClosed is returned by Listen when the server ends the event stream.
var ErrStreamClosed = errors.New("event stream closed")

// ChangeEvent is one row change on the photo collection.
type ChangeEvent struct {
	Type  string          `json:"type"` // INSERT, UPDATE or DELETE
	Table string          `json:"table"`
	Raw   json.RawMessage `json:"-"`
}

// DefaultIdleTimeout is how long a subscription may stay silent before it is
// treated as dead. The realtime service sends a heartbeat every 30 seconds.
const DefaultIdleTimeout = 90 * time.Second

// Subscriber receives change notifications for a frame's content sources
// over Server-Sent Events.
type Subscriber struct {
	endpoint    string
	anonKey     string
	idleTimeout time.Duration
	httpClient  *http.Client
}

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithIdleTimeout sets how long the stream may go without any line, data or
// heartbeat, before Listen gives up on it.
func WithIdleTimeout(d time.Duration) SubscriberOption {
	return func(s *Subscriber) { s.idleTimeout = d }
}

// NewSubscriber creates a subscriber for the realtime service at baseURL,
// scoped by the frame id or, for legacy configs, the stream id.
func NewSubscriber(baseURL, anonKey, streamID, frameID string, opts ...SubscriberOption) *Subscriber {
	q := url.Values{}
	if frameID != "" {
		q.Set("frame_id", frameID)
	} else if streamID != "" {
		q.Set("stream_id", streamID)
	}
	endpoint := strings.TrimSuffix(baseURL, "/") + "/realtime/v1/sse"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	s := &Subscriber{
		endpoint:    endpoint,
		anonKey:     anonKey,
		idleTimeout: DefaultIdleTimeout,
		// No overall timeout: the stream stays open. Silence is caught by
		// the idle watchdog in Listen.
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(&http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			}),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubscriberFrom builds a subscriber from the device configuration.
func SubscriberFrom(c *config.Config) *Subscriber {
	return NewSubscriber(c.SupabaseURL, c.SupabaseAnonKey, c.StreamID, c.FrameID)
}

// Listen opens one connection and blocks until it ends. connected is called
// once the server accepts the subscription and onEvent for every change
// event after that. Listen returns nil only when ctx is cancelled; a dropped
// connection is an error and reconnecting is up to the caller. A stream that
// stays silent for the idle timeout is dropped with a NetworkError.
func (s *Subscriber) Listen(ctx context.Context, connected func(), onEvent func(ChangeEvent)) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var idle atomic.Bool
	watchdog := time.AfterFunc(s.idleTimeout, func() {
		idle.Store(true)
		cancel()
	})
	defer watchdog.Stop()
	idleErr := func() error {
		return &NetworkError{Op: "subscribe", Err: fmt.Errorf("no data for %s", s.idleTimeout)}
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", userAgent)
	if s.anonKey != "" {
		req.Header.Set("apikey", s.anonKey)
		req.Header.Set("Authorization", "Bearer "+s.anonKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if idle.Load() {
			return idleErr()
		}
		return &NetworkError{Op: "subscribe", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Status: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return &NetworkError{Op: "subscribe", Err: fmt.Errorf("server returned %d", resp.StatusCode)}
	}

	logging.Info("realtime subscription connected", logging.String("endpoint", s.endpoint))
	if connected != nil {
		connected()
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var eventType string
	var data []string
	for scanner.Scan() {
		watchdog.Reset(s.idleTimeout)
		line := scanner.Text()

		if line == "" {
			if len(data) > 0 {
				if ev, ok := parseEvent(eventType, strings.Join(data, "\n")); ok && onEvent != nil {
					onEvent(ev)
				}
			}
			eventType = ""
			data = data[:0]
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue // heartbeat
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			eventType = value
		case "data":
			data = append(data, value)
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	if idle.Load() {
		return idleErr()
	}
	if err := scanner.Err(); err != nil {
		return &NetworkError{Op: "subscribe", Err: fmt.Errorf("read: %w", err)}
	}
	return ErrStreamClosed
}

// parseEvent decodes one event. The SSE event name wins over a type in the
// payload; keepalive and system events are dropped.
func parseEvent(eventType, data string) (ChangeEvent, bool) {
	ev := ChangeEvent{Raw: json.RawMessage(data)}
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		logging.Debug("ignoring undecodable realtime event", logging.Err(err))
	}
	if eventType != "" {
		ev.Type = eventType
	}
	ev.Type = strings.ToUpper(ev.Type)

	switch ev.Type {
	case "INSERT", "UPDATE", "DELETE", "*":
		return ev, true
	default:
		return ev, false
	}
}
