package config

import (
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisOptions parses the events Redis URL
func (e EventsConfig) RedisOptions() (*redis.Options, error) {
	return redisOptions(e.RedisURL)
}

func redisOptions(url string) (*redis.Options, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return opts, nil
}
