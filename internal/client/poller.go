package client

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"inbox-service/internal/model"
)

// Handler receives newly seen messages in order. A returned error keeps the
// poller's position so the same messages are offered again.
type Handler func(ctx context.Context, messages []model.Message) error

// Poller tails one conversation. It polls on an interval and whenever Trigger
// is called, resuming from the tail cursor of the last delivered page.
type Poller struct {
	client   *Client
	ref      string
	interval time.Duration
	pageSize int
	handle   Handler
	trigger  chan struct{}

	mu     sync.Mutex
	cursor string
}

// NewPoller creates a Poller for the conversation id or pair key ref.
func NewPoller(c *Client, ref string, interval time.Duration, handle Handler) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		client:   c,
		ref:      ref,
		interval: interval,
		pageSize: 50,
		handle:   handle,
		trigger:  make(chan struct{}, 1),
	}
}

// SetCursor starts polling after the given cursor instead of the beginning.
func (p *Poller) SetCursor(cursor string) {
	p.mu.Lock()
	p.cursor = cursor
	p.mu.Unlock()
}

// Cursor returns the position the next poll resumes from.
func (p *Poller) Cursor() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Trigger requests an immediate poll, such as when a view regains focus.
// Calls made while a poll is already pending are coalesced.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled. Failed polls are retried with exponential backoff.
func (p *Poller) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.interval
	b.MaxInterval = 10 * p.interval
	b.MaxElapsedTime = 0

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-p.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		delay := p.interval
		if err := p.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay = b.NextBackOff()
			log.Warn("Poll failed", "conversation", p.ref, "retryIn", delay, "err", err)
		} else {
			b.Reset()
		}
		timer.Reset(delay)
	}
}

// Poll fetches and delivers every message after the current cursor.
func (p *Poller) Poll(ctx context.Context) error {
	for {
		cursor := p.Cursor()
		page, err := p.client.ListMessages(ctx, p.ref, cursor, p.pageSize)
		if err != nil {
			if cursor != "" && IsInvalidCursor(err) {
				log.Warn("Cursor no longer valid; restarting from the beginning", "conversation", p.ref)
				p.SetCursor("")
				continue
			}
			return err
		}
		if len(page.Messages) > 0 {
			if err := p.handle(ctx, page.Messages); err != nil {
				return err
			}
		}
		if page.TailCursor != nil {
			p.SetCursor(*page.TailCursor)
		}
		if page.NextCursor == nil {
			return nil
		}
	}
}
