package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"boardsync/cache"
	"boardsync/persistence"
	"boardsync/realtime"
)

var (
	watchServer   string
	watchBoard    string
	watchToken    string
	watchInterval time.Duration

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Mirror a board into a local cache and log its lists as they change",
		RunE:  runWatch,
	}
)

func init() {
	watchCmd.Flags().StringVar(&watchServer, "server", "http://localhost:8080", "board API base URL")
	watchCmd.Flags().StringVar(&watchBoard, "board", "", "board id")
	watchCmd.Flags().StringVar(&watchToken, "token", os.Getenv("BOARDSYNC_TOKEN"), "bearer token")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 5*time.Second, "how often to log the board when it changed")
	_ = watchCmd.MarkFlagRequired("board")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	logger := log.StandardLogger()
	client := persistence.NewHTTPClient(watchServer, watchToken)
	c := cache.New(logger)

	// Subscribe before the snapshot so no change between the two is lost.
	header := http.Header{}
	if watchToken != "" {
		header.Set("Authorization", "Bearer "+watchToken)
	}
	src, err := realtime.DialStream(ctx, streamURL(watchServer, watchBoard), header, logger)
	if err != nil {
		return err
	}
	if err := persistence.Load(ctx, c, client, watchBoard); err != nil {
		_ = src.Close()
		return err
	}

	done := make(chan error, 1)
	go func() { done <- realtime.New(c, client, realtime.WithLogger(logger)).Run(ctx, src) }()

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	var logged uint64
	for {
		if rev := c.Revision(); rev != logged {
			logBoard(logger, c, watchBoard)
			logged = rev
		}
		select {
		case err := <-done:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func streamURL(server, boardID string) string {
	base := strings.TrimRight(server, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/boards/" + boardID + "/stream"
}

func logBoard(logger *log.Logger, c cache.Reader, boardID string) {
	for _, l := range c.ListsOfBoard(boardID) {
		cards := c.CardsOfList(l.ID)
		titles := make([]string, 0, len(cards))
		for _, card := range cards {
			titles = append(titles, card.Title)
		}
		logger.WithFields(log.Fields{"list": l.Title, "cards": titles}).Info("watch.list")
	}
}
