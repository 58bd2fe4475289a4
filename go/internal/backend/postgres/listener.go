package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

type ListenerConfig struct {
	DatabaseURL   string
	NotifyChannel string
	PingInterval  time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		NotifyChannel: "quiz_round_changes",
		PingInterval:  90 * time.Second,
		MaxRetries:    3,
		RetryDelay:    200 * time.Millisecond,
	}
}

// Change is one row change notified by the store's triggers.
type Change struct {
	RoundID string
	Reason  string
}

// ChangeHandler receives decoded notifications, e.g. an event publisher.
type ChangeHandler interface {
	RoundChanged(ctx context.Context, change Change) error
}

// ChangeListener forwards LISTEN/NOTIFY round changes to a handler.
type ChangeListener struct {
	listener *pq.Listener
	handler  ChangeHandler
	cfg      ListenerConfig
}

func NewChangeListener(handler ChangeHandler, cfg ListenerConfig) (*ChangeListener, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().Str("channel", cfg.NotifyChannel).Msg("listening for round changes")
	return &ChangeListener{listener: l, handler: handler, cfg: cfg}, nil
}

func (l *ChangeListener) Start(ctx context.Context) error {
	pingTicker := time.NewTicker(l.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("change listener shutting down")
			return l.listener.Close()
		case note := <-l.listener.Notify:
			if note == nil {
				// Connection was re-established; changes in between are
				// picked up by client polling.
				continue
			}
			change, err := parseNotification(note.Extra)
			if err != nil {
				log.Error().Err(err).Msg("invalid round change notification")
				continue
			}
			if err := l.deliverWithRetry(ctx, change); err != nil {
				log.Error().Err(err).Str("round_id", change.RoundID).Msg("failed to forward round change")
			}
		case <-pingTicker.C:
			if err := l.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

func (l *ChangeListener) deliverWithRetry(ctx context.Context, change Change) error {
	var lastErr error
	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.cfg.RetryDelay * time.Duration(attempt)):
			}
		}
		if lastErr = l.handler.RoundChanged(ctx, change); lastErr == nil {
			return nil
		}
		log.Warn().Err(lastErr).Int("attempt", attempt+1).Str("round_id", change.RoundID).Msg("round change delivery failed")
	}
	return fmt.Errorf("after %d attempts: %w", l.cfg.MaxRetries+1, lastErr)
}

// parseNotification decodes "<round id>:<reason>". Round ids may contain
// colons; the reason may not.
func parseNotification(extra string) (Change, error) {
	i := strings.LastIndex(extra, ":")
	if i <= 0 || i == len(extra)-1 {
		return Change{}, fmt.Errorf("malformed payload %q", extra)
	}
	return Change{RoundID: extra[:i], Reason: extra[i+1:]}, nil
}
