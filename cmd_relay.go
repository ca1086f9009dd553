package main

import (
	"errors"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"boardsync/config"
	"boardsync/relay"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Forward queued board events to Redis pub/sub",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfg.EventsQueue == "" {
			return errors.New("EVENTS_QUEUE is required for the relay")
		}
		redisOpts, err := config.RedisOptions(cfg.RedisConn)
		if err != nil {
			return err
		}
		rc := redis.NewClient(redisOpts)
		defer rc.Close()

		w, err := relay.NewWorker(cfg.StorageConn, cfg.EventsQueue, relay.NewRedisPublisher(rc), log.StandardLogger())
		if err != nil {
			return err
		}
		log.WithField("queue", cfg.EventsQueue).Info("relay.started")
		return w.Run(cmd.Context())
	},
}
