package app

import (
	"fmt"

	"tasknotify/internal/config"
	"tasknotify/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := sc.DriverOrDefault()
	switch driver {
	case "memory":
		return storage.Config{Driver: driver}, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 0)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: sc.PathOrDefault(), BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", driver)
	}
}
