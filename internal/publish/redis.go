// Package publish forwards store events to Redis so other processes can draw
// the fleet without polling the provider.
package publish

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/eric1221bday/PGHBusTracker/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const DefaultChannel = "bustracker:vehicles"

type Config struct {
	Address  string
	Password string
	Database int
}

// Connect opens a client and pings it.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.Database,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Redis publishes each event as JSON on a channel and mirrors the latest
// position of every vehicle into the hash "<channel>:latest".
type Redis struct {
	client  redis.UniversalClient
	channel string

	published atomic.Uint64
	failed    atomic.Uint64
}

func NewRedis(client redis.UniversalClient, channel string) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{client: client, channel: channel}
}

func (p *Redis) LatestKey() string { return p.channel + ":latest" }

func (p *Redis) Publish(ctx context.Context, ev store.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(ev.Updated) > 0 {
			fields := make(map[string]any, len(ev.Updated))
			for _, v := range ev.Updated {
				data, err := json.Marshal(v)
				if err != nil {
					return err
				}
				fields[v.ID] = data
			}
			pipe.HSet(ctx, p.LatestKey(), fields)
		}
		if len(ev.Removed) > 0 {
			pipe.HDel(ctx, p.LatestKey(), ev.Removed...)
		}
		pipe.Publish(ctx, p.channel, payload)
		return nil
	})
	return err
}

// Run publishes events until ctx is done or events closes. Failures are
// logged and counted, never fatal.
func (p *Redis) Run(ctx context.Context, events <-chan store.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := p.Publish(ctx, ev); err != nil {
				p.failed.Add(1)
				log.Error().Err(err).Str("channel", p.channel).Msg("Failed to publish vehicle update")
				continue
			}
			p.published.Add(1)
		}
	}
}

func (p *Redis) Published() uint64 { return p.published.Load() }
func (p *Redis) Failed() uint64    { return p.failed.Load() }
