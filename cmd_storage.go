package main

import (
	"errors"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"boardsync/storage"
)

var initStorageCmd = &cobra.Command{
	Use:   "init-storage",
	Short: "Create the Azure tables and event queue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfg.StorageConn == "" {
			return errors.New("STORAGE_CONNECTION_STRING is required")
		}
		ctx := cmd.Context()
		if err := storage.CreateTables(ctx, cfg.StorageConn, cfg.Tables.All()); err != nil {
			return err
		}
		if cfg.EventsQueue != "" {
			if err := storage.CreateQueues(ctx, cfg.StorageConn, []string{cfg.EventsQueue}); err != nil {
				return err
			}
		}
		log.Info("storage.initialized")
		return nil
	},
}
