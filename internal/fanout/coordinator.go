package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"

	"github.com/tinywideclouds/werd-notification-service/pkg/dispatch"
	"github.com/tinywideclouds/werd-notification-service/pkg/notify"
)

const pruneTimeout = 10 * time.Second

// channelOrder fixes the iteration order for deterministic summaries.
var channelOrder = []notify.Channel{notify.ChannelWebPush, notify.ChannelFCM, notify.ChannelEmail}

// Coordinator orchestrates one notification fan-out: endpoint resolution,
// per-channel dispatch, outcome aggregation and stale-endpoint pruning.
//
// Channels are independent; a hard failure in one (e.g. FCM credentials)
// never blocks another's delivery. Per-endpoint failures are swallowed into
// outcome classifications and never surface to callers.
type Coordinator struct {
	store       dispatch.EndpointStore
	progress    dispatch.ProgressStore
	dispatchers map[notify.Channel]dispatch.Dispatcher
	logger      *slog.Logger

	// prunes tracks fire-and-forget endpoint deletes so shutdown can drain
	// them instead of silently dropping in-flight work.
	prunes sync.WaitGroup
}

// New wires the coordinator. Dispatchers are keyed by channel; channels
// without a dispatcher (e.g. email disabled) are simply never attempted.
func New(
	store dispatch.EndpointStore,
	progress dispatch.ProgressStore,
	dispatchers map[notify.Channel]dispatch.Dispatcher,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		store:       store,
		progress:    progress,
		dispatchers: dispatchers,
		logger:      logger.With("component", "FanoutCoordinator"),
	}
}

// Notify fans one group event out to every registered endpoint of the
// group's members, excluding the acting user's own endpoints.
func (c *Coordinator) Notify(ctx context.Context, ev notify.Event) (notify.Summary, error) {
	content, err := Compose(ev)
	if err != nil {
		return notify.Summary{}, err
	}

	endpoints, err := c.store.GroupEndpoints(ctx, ev.GroupID)
	if err != nil {
		return notify.Summary{}, fmt.Errorf("resolve group endpoints: %w", err)
	}

	buckets := bucketEndpoints(endpoints, ev.Actor.String())

	contents := map[notify.Channel]notification.NotificationContent{
		notify.ChannelWebPush: content,
		notify.ChannelFCM:     content,
	}
	// Email congratulations exist only for completed goals.
	if ev.Type == notify.EventGoal {
		contents[notify.ChannelEmail] = ComposeGoalEmail(ev)
	} else {
		delete(buckets, notify.ChannelEmail)
	}

	summary := c.dispatchBuckets(ctx, buckets, contents)
	c.logger.Info("Fan-out complete",
		"event", ev.Type.String(), "group_id", ev.GroupID,
		"delivered", summary.Delivered, "channels", len(summary.Attempted))
	return summary, nil
}

// RunDailyReminder resets daily tasbeeh counters, then sends each user with
// unmet goals one consolidated reminder across all their groups.
func (c *Coordinator) RunDailyReminder(ctx context.Context) (notify.ReminderSummary, error) {
	if err := c.progress.ResetDailyTasbeeh(ctx); err != nil {
		// Housekeeping; reminders still go out.
		c.logger.Warn("Failed to reset daily tasbeeh counters", "err", err)
	}

	outstanding, err := c.progress.OutstandingGoals(ctx)
	if err != nil {
		return notify.ReminderSummary{}, fmt.Errorf("scan outstanding goals: %w", err)
	}

	summary := notify.ReminderSummary{UsersNotified: len(outstanding)}
	for userKey, groups := range outstanding {
		content, err := ComposeReminder(groups)
		if err != nil {
			continue
		}
		user, err := urn.Parse(userKey)
		if err != nil {
			c.logger.Warn("Skipping member with malformed user id", "user", userKey, "err", err)
			continue
		}

		endpoints, err := c.store.UserEndpoints(ctx, user)
		if err != nil {
			c.logger.Error("Failed to resolve user endpoints", "user", userKey, "err", err)
			continue
		}

		buckets := bucketEndpoints(endpoints, "")
		delete(buckets, notify.ChannelEmail) // reminders are push-only

		result := c.dispatchBuckets(ctx, buckets, map[notify.Channel]notification.NotificationContent{
			notify.ChannelWebPush: content,
			notify.ChannelFCM:     content,
		})
		summary.Sent += result.Delivered
	}

	c.logger.Info("Daily reminder run complete",
		"users", summary.UsersNotified, "sent", summary.Sent)
	return summary, nil
}

// dispatchBuckets runs every channel concurrently and joins all outcomes.
// No early exit: every send completes (or fails) before aggregation.
func (c *Coordinator) dispatchBuckets(
	ctx context.Context,
	buckets map[notify.Channel][]notify.Endpoint,
	contents map[notify.Channel]notification.NotificationContent,
) notify.Summary {
	summary := notify.Summary{PerChannel: make(map[notify.Channel]int)}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, ch := range channelOrder {
		endpoints := buckets[ch]
		dispatcher, ok := c.dispatchers[ch]
		if len(endpoints) == 0 || !ok {
			continue
		}
		content, ok := contents[ch]
		if !ok {
			continue
		}

		summary.Attempted = append(summary.Attempted, ch)
		wg.Add(1)
		go func(ch notify.Channel, endpoints []notify.Endpoint, content notification.NotificationContent) {
			defer wg.Done()

			outcomes, err := dispatcher.Dispatch(ctx, endpoints, content)
			if err != nil {
				// Channel-level failure: other channels are unaffected, and
				// these outcomes carry no prune-worthy verdicts.
				c.logger.Error("Channel dispatch failed", "channel", ch, "err", err)
			}

			delivered := 0
			for _, o := range outcomes {
				switch o.Status {
				case notify.Delivered:
					delivered++
				case notify.PermanentlyInvalid:
					if err == nil {
						c.prune(o.Endpoint)
					}
				}
			}

			mu.Lock()
			summary.Delivered += delivered
			summary.PerChannel[ch] = delivered
			mu.Unlock()
		}(ch, endpoints, content)
	}
	wg.Wait()

	return summary
}

// bucketEndpoints splits endpoints by channel, excluding the actor's own and
// deduplicating by identity so no endpoint is dispatched to twice.
func bucketEndpoints(endpoints []notify.Endpoint, actorKey string) map[notify.Channel][]notify.Endpoint {
	buckets := make(map[notify.Channel][]notify.Endpoint)
	seen := make(map[string]struct{}, len(endpoints))

	for _, ep := range endpoints {
		if actorKey != "" && ep.Owner.String() == actorKey {
			continue
		}
		identity := ep.Identity()
		if identity == "" {
			continue
		}
		key := string(ep.Channel) + "|" + identity
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		buckets[ep.Channel] = append(buckets[ep.Channel], ep)
	}
	return buckets
}

// prune deletes a permanently invalid endpoint, fire-and-forget. The delete
// is idempotent and failures are logged only; it is tracked so Drain can
// wait for it.
func (c *Coordinator) prune(ep notify.Endpoint) {
	c.prunes.Add(1)
	go func() {
		defer c.prunes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
		defer cancel()
		if err := c.store.DeleteEndpoint(ctx, ep); err != nil {
			c.logger.Warn("Failed to delete stale endpoint",
				"channel", ep.Channel, "identity", ep.Identity(), "err", err)
		}
	}()
}

// Drain blocks until in-flight prune tasks finish, bounded by ctx.
func (c *Coordinator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.prunes.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
