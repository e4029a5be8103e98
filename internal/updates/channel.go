// Package updates decides when the frame reconciles: on realtime change
// notifications while a push subscription is up, on a fixed poll interval
// otherwise.
package updates

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/froggieframe/pi-frame/internal/catalog"
	"github.com/froggieframe/pi-frame/internal/config"
	"github.com/froggieframe/pi-frame/internal/logging"
	"github.com/froggieframe/pi-frame/internal/metrics"
	"github.com/froggieframe/pi-frame/internal/retry"
)

// Mode is the active update mode. Exactly one is active at a time.
type Mode int32

const (
	ModePoll Mode = iota
	ModePush
)

func (m Mode) String() string {
	if m == ModePush {
		return "push"
	}
	return "poll"
}

var allModes = []string{ModePoll.String(), ModePush.String()}

// Trigger sources recorded in metrics.
const (
	sourcePoll     = "poll"
	sourcePush     = "push"
	sourceCatchUp  = "catch_up"
	sourceFallback = "fallback"
)

// Target receives reconcile requests. Trigger must not block.
type Target interface {
	Trigger()
}

// Listener holds one realtime subscription open until it ends.
type Listener interface {
	Listen(ctx context.Context, connected func(), onEvent func(catalog.ChangeEvent)) error
}

// Config holds update channel timing.
type Config struct {
	PollInterval time.Duration
	Debounce     time.Duration
	RestoreMin   time.Duration // first push restore delay
	RestoreMax   time.Duration // cap of the restore backoff
}

// ConfigFrom builds channel timing from the device configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		PollInterval: c.PollEvery(),
		Debounce:     c.Debounce(),
	}
}

// Channel is the push/poll state machine. All transitions happen on the
// goroutine running Run.
type Channel struct {
	cfg      Config
	target   Target
	listener Listener
	mode     atomic.Int32
}

type sessionMsg struct {
	kind  msgKind
	event catalog.ChangeEvent
	err   error
}

type msgKind int

const (
	msgConnected msgKind = iota
	msgEvent
	msgClosed
)

// New creates an update channel. A nil listener means poll mode only.
func New(cfg Config, target Target, listener Listener) *Channel {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	if cfg.RestoreMin <= 0 {
		cfg.RestoreMin = time.Second
	}
	if cfg.RestoreMax <= 0 {
		cfg.RestoreMax = 5 * time.Minute
	}
	return &Channel{cfg: cfg, target: target, listener: listener}
}

// Mode returns the active mode.
func (c *Channel) Mode() Mode {
	return Mode(c.mode.Load())
}

func (c *Channel) setMode(m Mode) {
	c.mode.Store(int32(m))
	metrics.SetUpdateMode(m.String(), allModes...)
}

func (c *Channel) fire(source string) {
	metrics.RecordTrigger(source)
	c.target.Trigger()
}

// Run drives the channel until ctx is cancelled. It starts in poll mode and,
// when a listener is configured, tries to enter push mode right away.
func (c *Channel) Run(ctx context.Context) error {
	c.setMode(ModePoll)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	backoff := retry.NewBackoff(retry.Config{
		InitialWait: c.cfg.RestoreMin,
		MaxWait:     c.cfg.RestoreMax,
		Multiplier:  2,
		Jitter:      0.1,
	})

	msgs := make(chan sessionMsg, 8)
	var sessionCancel context.CancelFunc
	defer func() {
		if sessionCancel != nil {
			sessionCancel()
		}
	}()

	startSession := func() {
		sctx, cancel := context.WithCancel(ctx)
		sessionCancel = cancel
		send := func(m sessionMsg) {
			select {
			case msgs <- m:
			case <-sctx.Done():
			}
		}
		go func() {
			err := c.listener.Listen(sctx,
				func() { send(sessionMsg{kind: msgConnected}) },
				func(ev catalog.ChangeEvent) { send(sessionMsg{kind: msgEvent, event: ev}) },
			)
			// The closed message must arrive even after cancel, unless Run is gone.
			select {
			case msgs <- sessionMsg{kind: msgClosed, err: err}:
			case <-ctx.Done():
			}
		}()
	}

	var restore *time.Timer
	var restoreC <-chan time.Time
	var debounce *time.Timer
	var debounceC <-chan time.Time
	stopDebounce := func() {
		if debounce != nil {
			debounce.Stop()
			debounce, debounceC = nil, nil
		}
	}
	defer stopDebounce()
	defer func() {
		if restore != nil {
			restore.Stop()
		}
	}()

	if c.listener != nil {
		startSession()
	} else {
		logging.Info("realtime not configured, polling", zap.Duration("interval", c.cfg.PollInterval))
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if c.Mode() == ModePoll {
				c.fire(sourcePoll)
			}

		case <-restoreC:
			restore, restoreC = nil, nil
			startSession()

		case <-debounceC:
			debounce, debounceC = nil, nil
			if c.Mode() == ModePush {
				c.fire(sourcePush)
			}

		case m := <-msgs:
			switch m.kind {
			case msgConnected:
				ticker.Stop()
				c.setMode(ModePush)
				backoff.Reset()
				logging.Info("push mode active")
				// Catch up on anything that changed while polling.
				c.fire(sourceCatchUp)

			case msgEvent:
				if c.Mode() != ModePush {
					continue
				}
				logging.Debug("change notification", zap.String("type", m.event.Type), zap.String("table", m.event.Table))
				if c.cfg.Debounce == 0 {
					c.fire(sourcePush)
				} else if debounce == nil {
					debounce = time.NewTimer(c.cfg.Debounce)
					debounceC = debounce.C
				}

			case msgClosed:
				if ctx.Err() != nil {
					return nil
				}
				sessionCancel()
				sessionCancel = nil
				stopDebounce()

				wasPush := c.Mode() == ModePush
				if wasPush {
					c.setMode(ModePoll)
					ticker.Reset(c.cfg.PollInterval)
					c.fire(sourceFallback)
				}

				delay := backoff.Next()
				fields := []zap.Field{zap.Duration("retry_in", delay), zap.Bool("was_push", wasPush)}
				if m.err != nil {
					fields = append(fields, zap.Error(m.err))
				}
				if catalog.IsAuth(m.err) {
					logging.Warn("realtime subscription rejected, polling", fields...)
				} else {
					logging.Warn("realtime subscription unavailable, polling", fields...)
				}
				restore = time.NewTimer(delay)
				restoreC = restore.C
			}
		}
	}
}
