package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rollout/internal/eventbus"
	rtsup "rollout/internal/runtime/supervisor"
	"rollout/internal/storage"
	logx "rollout/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const maxHistory = 100

// Service is an async pipeline: queue, single worker, rate limit, retry, dedup.
// It is safe for concurrent use.
type Service struct {
	log    logx.Logger
	sender Sender
	bus    eventbus.Bus
	store  storage.Store

	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	accepting bool
	queue     chan string
	sup       *rtsup.Supervisor
	unsub     func()
	sendWG    sync.WaitGroup

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds a stopped service. bus and store may be nil.
func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log,
		sender: sender,
		bus:    bus,
		store:  store,
		dedup:  map[string]time.Time{},
	}
	s.Apply(cfg)
	return s
}

// Apply swaps the configuration. Queue size changes take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	s.mu.Lock()
	s.cfg = cfg
	// burst = rate so short spikes are not delayed
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Start subscribes to the bus and starts the worker. It is a no-op when
// disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled || s.sender == nil {
		return
	}
	q := make(chan string, s.cfg.QueueSize)
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))))
	s.queue, s.sup, s.accepting = q, sup, true

	sup.GoRestart("notifier.worker", func(c context.Context) error {
		return s.workerLoop(c, q)
	})
	if s.bus != nil {
		ch, unsub := s.bus.Subscribe(64, events...)
		s.unsub = unsub
		sup.Go("notifier.events", func(c context.Context) error {
			s.eventLoop(c, ch)
			return nil
		})
	}
}

// Stop stops intake and drains queued messages until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup, q, unsub := s.sup, s.queue, s.unsub
	if sup == nil {
		s.mu.Unlock()
		return nil
	}
	s.accepting = false
	s.sup, s.queue, s.unsub = nil, nil, nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.sendWG.Wait()
	close(q)
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		return err
	}
	return nil
}

// Notify queues text unless an identical message was sent within the dedup window.
func (s *Service) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	q, cfg := s.queue, s.cfg
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if cfg.DedupWindow > 0 && !s.dedupAllow(ctx, dedupKey(text), cfg) {
		s.log.Debug("notification suppressed", logx.String("text", text))
		return nil
	}
	select {
	case q <- text:
		return nil
	default:
		return ErrQueueFull
	}
}

// History returns recently sent messages, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) eventLoop(ctx context.Context, ch <-chan eventbus.Event) {
	for e := range ch {
		text, ok := Format(e)
		if !ok {
			continue
		}
		if err := s.Notify(ctx, text); err != nil && !errors.Is(err, ErrStopped) {
			s.log.Warn("notification dropped", logx.String("event", e.Type), logx.Err(err))
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case text, ok := <-q:
			if !ok {
				return nil
			}
			s.sendWithRetry(ctx, text)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, text string) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	m := Message{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID, Text: text}
	var err error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(retryDelay(cfg, attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		if werr := lim.Wait(ctx); werr != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = s.sender.Send(callCtx, m)
		cancel()
		if err == nil {
			s.sent(ctx, text, cfg)
			return
		}
		s.log.Debug("notification send failed", logx.Int("attempt", attempt+1), logx.Err(err))
	}
	s.log.Warn("notification lost", logx.Int("attempts", cfg.RetryMax+1), logx.Err(err))
}

func (s *Service) sent(ctx context.Context, text string, cfg Config) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
	s.hmu.Unlock()

	if cfg.PersistDedup && cfg.DedupWindow > 0 && s.store != nil {
		pctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		if err := s.store.PutDedup(pctx, dedupKey(text), time.Now().Add(cfg.DedupWindow)); err != nil {
			s.log.Debug("dedup persist failed", logx.Err(err))
		}
		cancel()
	}
}

func dedupKey(text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("notify:%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, cfg Config) bool {
	now := time.Now()
	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if cfg.PersistDedup && s.store != nil {
		qctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		until, ok, err := s.store.GetDedup(qctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	s.dmu.Lock()
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(cfg.DedupWindow)
	s.dmu.Unlock()
	return true
}

// retryDelay is base*2^(attempt-1) capped at RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(min(d, cfg.RetryMaxDelay)) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
