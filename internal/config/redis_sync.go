package config

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	redisSettingsKey     = "ipguard:config:settings"
	redisSettingsChannel = "ipguard:config:updates"
	redisOpTimeout       = 5 * time.Second
)

// settingsSync shares admin-edited settings between instances so every node
// advertises the same poll interval and code TTL.
var settingsSync struct {
	mu     sync.RWMutex
	client *redis.Client
}

// EnableRedisSynchronization adopts settings already stored in redis (or seeds
// redis with the local ones) and applies updates published by other instances
// until ctx is done.
func EnableRedisSynchronization(ctx context.Context, client *redis.Client) {
	if client == nil {
		log.Debug("Settings sync disabled: no redis client")
		return
	}

	settingsSync.mu.Lock()
	if settingsSync.client != nil {
		settingsSync.mu.Unlock()
		return
	}
	settingsSync.client = client
	settingsSync.mu.Unlock()

	if adopted, err := adoptSharedSettings(ctx, client); err != nil {
		log.Error("Settings sync: could not read shared settings", "error", err)
	} else if !adopted {
		if payload, err := json.Marshal(GetConfig()); err == nil {
			if err := broadcastConfigUpdate(payload); err != nil {
				log.Error("Settings sync: could not seed shared settings", "error", err)
			}
		}
	}

	go followSettingsChannel(ctx, client)
}

func adoptSharedSettings(ctx context.Context, client *redis.Client) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	payload, err := client.Get(opCtx, redisSettingsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, applyRemoteSettings(payload)
}

func followSettingsChannel(ctx context.Context, client *redis.Client) {
	pubsub := client.Subscribe(ctx, redisSettingsChannel)
	defer pubsub.Close()

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if err := applyRemoteSettings([]byte(msg.Payload)); err != nil {
				log.Error("Settings sync: rejected remote update", "error", err)
			}
		}
	}
}

func applyRemoteSettings(payload []byte) error {
	var cfg Config
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return err
	}
	return applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, source: "redis"})
}

func broadcastConfigUpdate(payload []byte) error {
	settingsSync.mu.RLock()
	client := settingsSync.client
	settingsSync.mu.RUnlock()

	if client == nil || len(payload) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	_, err := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisSettingsKey, payload, 0)
		pipe.Publish(ctx, redisSettingsChannel, payload)
		return nil
	})
	return err
}
