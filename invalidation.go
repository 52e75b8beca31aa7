package dcache

import (
	"context"
	"strings"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
	"github.com/google/uuid"
)

// DefaultInvalidationChannel is the well-known channel carrying invalidation
// events.
const DefaultInvalidationChannel = "dcache-invalidate"

// InvalidatorConfig is configuration for NewInvalidator.
type InvalidatorConfig struct {
	// Name is added to logs and stats.
	Name string

	// Local is the tier to evict on received events, required.
	Local Tier

	// Remote provides publish/subscribe and holds the shared copy, required.
	Remote RemoteTier

	// Channel overrides DefaultInvalidationChannel.
	Channel string

	// Origin is a stable tag identifying this node in published events,
	// random by default.
	Origin string

	// Logger collects messages with context.
	Logger ctxd.Logger

	// Stats tracks stats.
	Stats stats.Tracker
}

// Invalidator propagates external mutations to every node's local tier.
//
// The originating node deletes remote then local copies and publishes an
// origin-tagged event, subscribed nodes evict their local copy unless the
// event is their own echo. Events are best-effort and unordered, which is safe
// because evicting an absent key is a no-op and the remote tier remains the
// source of truth.
//
// Please use NewInvalidator to create an instance.
type Invalidator struct {
	sub Subscription

	config InvalidatorConfig
	log    ctxd.Logger
	stat   stats.Tracker
}

// NewInvalidator subscribes to the invalidation channel and starts delivering
// evictions to the local tier.
func NewInvalidator(ctx context.Context, config InvalidatorConfig) (*Invalidator, error) {
	if config.Channel == "" {
		config.Channel = DefaultInvalidationChannel
	}

	if config.Origin == "" {
		config.Origin = uuid.NewString()
	} else if strings.Contains(config.Origin, ":") {
		// Events are "<origin>:<key>", a colon in the origin would shift the
		// split and defeat self-echo suppression.
		return nil, ErrInvalidOrigin
	}

	i := &Invalidator{config: config}

	i.log = config.Logger
	if i.log == nil {
		i.log = ctxd.NoOpLogger{}
	}

	i.stat = config.Stats
	if i.stat == nil {
		i.stat = stats.NoOp{}
	}

	// Handler outlives the subscribing request.
	hctx := detachedContext{ctx}

	sub, err := config.Remote.Subscribe(ctx, config.Channel, func(message string) {
		i.receive(hctx, message)
	})
	if err != nil {
		return nil, ctxd.WrapError(ctx, err, "failed to subscribe to invalidation channel",
			"name", config.Name,
			"channel", config.Channel)
	}

	i.sub = sub

	return i, nil
}

// Origin returns the node tag carried by published events.
func (i *Invalidator) Origin() string {
	return i.config.Origin
}

// NotifyChangeFor propagates an external mutation of the value behind key.
//
// The remote copy is deleted before the local one to minimize the window where
// a concurrent reader could repopulate local from a stale remote value, then
// the event is published for other nodes.
func (i *Invalidator) NotifyChangeFor(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	if _, err := i.config.Remote.Remove(ctx, key); err != nil {
		return ctxd.WrapError(ctx, err, "failed to remove remote copy",
			"name", i.config.Name,
			"key", key)
	}

	if _, err := i.config.Local.Remove(ctx, key); err != nil {
		return ctxd.WrapError(ctx, err, "failed to remove local copy",
			"name", i.config.Name,
			"key", key)
	}

	n, err := i.config.Remote.Publish(ctx, i.config.Channel, i.config.Origin+":"+key)
	if err != nil {
		return ctxd.WrapError(ctx, err, "failed to publish invalidation",
			"name", i.config.Name,
			"key", key)
	}

	i.log.Debug(ctx, "published invalidation",
		"name", i.config.Name,
		"key", key,
		"deliveries", n)

	return nil
}

// NotifyChangeForKeys propagates external mutations for multiple keys.
func (i *Invalidator) NotifyChangeForKeys(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return ErrNoKeys
	}

	for _, key := range keys {
		if err := i.NotifyChangeFor(ctx, key); err != nil {
			return err
		}
	}

	return nil
}

// Close stops event delivery.
func (i *Invalidator) Close() error {
	return i.sub.Close()
}

func (i *Invalidator) receive(ctx context.Context, message string) {
	parts := strings.SplitN(message, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		i.log.Warn(ctx, "malformed invalidation event",
			"name", i.config.Name,
			"message", message)

		return
	}

	origin, key := parts[0], parts[1]

	// Own echo, the local copy was already evicted before publishing.
	if origin == i.config.Origin {
		i.stat.Add(ctx, MetricInvalidationSuppressed, 1, "name", i.config.Name)

		return
	}

	// The remote tier is the shared source of truth already updated by the
	// originator, only the local copy is evicted.
	if _, err := i.config.Local.Remove(ctx, key); err != nil {
		i.log.Error(ctx, "failed to evict invalidated local copy",
			"error", err,
			"name", i.config.Name,
			"key", key)

		return
	}

	i.stat.Add(ctx, MetricInvalidated, 1, "name", i.config.Name)
	i.log.Debug(ctx, "evicted invalidated local copy",
		"name", i.config.Name,
		"key", key,
		"origin", origin)
}
