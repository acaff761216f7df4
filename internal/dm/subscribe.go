package dm

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"fiatjaf.com/nostr"
	"go.uber.org/zap"

	"github.com/chebizarro/nostrdm/internal/config"
	"github.com/chebizarro/nostrdm/internal/keystore"
	gtnostr "github.com/chebizarro/nostrdm/internal/nostr"
)

// SubscribeToMessages streams new messages for account. onChange receives
// messages in batches: everything that arrives within the batch window of
// the first message is delivered together, sorted. The returned function
// cancels the subscription; it may be called any number of times, including
// from inside onChange.
//
// If the relay stream ends before cancellation, the pending batch is
// delivered and the subscription is re-opened with backoff from the newest
// message seen.
func (s *Service) SubscribeToMessages(ctx context.Context, account string, kp *keystore.EncryptionKeypair, onChange func([]Message)) (func(), error) {
	if err := s.checkAccount(account); err != nil {
		return nil, err
	}
	if kp == nil {
		var err error
		kp, err = s.EnsureEncryptionKey(ctx)
		if err != nil {
			return nil, err
		}
	}

	ctx, stop := context.WithCancel(ctx)
	since := nostr.Timestamp(time.Now().Unix())
	sub, err := s.relays.Subscribe(ctx, messageFilters(account, since))
	if err != nil {
		stop()
		return nil, err
	}

	var (
		stopped atomic.Bool
		once    sync.Once
		mu      sync.Mutex
		current = sub
	)
	cancel := func() {
		once.Do(func() {
			stopped.Store(true)
			stop()
			mu.Lock()
			cur := current
			mu.Unlock()
			cur.Close()
		})
	}

	go func() {
		var (
			batch  []Message
			timer  *time.Timer
			fire   <-chan time.Time
			retry  <-chan time.Time
			quit   <-chan struct{}
			events = sub.Events
			delay  = s.resubscribe
			latest = since
			seen   = make(map[nostr.ID]bool)
		)
		flush := func() {
			if len(batch) == 0 || stopped.Load() {
				batch = nil
				return
			}
			sortMessages(batch)
			out := batch
			batch = nil
			onChange(out)
		}
		stopTimer := func() {
			if timer != nil {
				timer.Stop()
			}
			fire = nil
		}
		defer stopTimer()

		for {
			select {
			case evt, ok := <-events:
				if !ok {
					events = nil
					sub.Close()
					stopTimer()
					flush()
					if stopped.Load() || ctx.Err() != nil {
						return
					}
					s.logger.Warn("message subscription ended, resubscribing", zap.Duration("retry_in", delay))
					retry, quit = time.After(delay), ctx.Done()
					continue
				}
				if seen[evt.ID] {
					continue
				}
				seen[evt.ID] = true
				if evt.CreatedAt > latest {
					latest = evt.CreatedAt
				}
				msg, err := s.Decrypt(evt, kp)
				if err != nil {
					recordSkipped(ctx)
					s.logger.Debug("skipping undecryptable live message", zap.Error(err))
					continue
				}
				batch = append(batch, *msg)
				if fire == nil {
					timer = time.NewTimer(s.batchWindow)
					fire = timer.C
				}
			case <-fire:
				fire = nil
				flush()
			case <-quit:
				return
			case <-retry:
				next, err := s.relays.Subscribe(ctx, messageFilters(account, latest))
				if err != nil {
					delay = min(delay*2, config.MaxResubscribe)
					s.logger.Warn("resubscribing to messages failed", zap.Error(err), zap.Duration("retry_in", delay))
					retry = time.After(delay)
					continue
				}
				mu.Lock()
				current = next
				mu.Unlock()
				if stopped.Load() {
					next.Close()
					return
				}
				s.logger.Info("message subscription restored", zap.String("account", gtnostr.ShortKey(account)))
				sub, events = next, next.Events
				retry, quit, delay = nil, nil, s.resubscribe
			}
		}
	}()

	return cancel, nil
}

func sortMessages(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Less(msgs[j]) })
}
