package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr        string
	AuthSecret  string
	DatabaseURL string
	RedisURL    string
	CORSOrigin  string
	// Room lifecycle
	RoomIdleGrace time.Duration
	SnapshotTTL   time.Duration
	// Upgrade tickets for browser clients that cannot set headers
	TicketTTL time.Duration
	// Maximum length for opaque room identifiers
	MaxRoomIDLength int
}

func Load() Config {
	return Config{
		Addr:            getenv("API_ADDR", ":8788"),
		AuthSecret:      getenv("TANDEM_AUTH_SECRET", "tandem-dev-secret"),
		DatabaseURL:     getenv("DATABASE_URL", ""),
		RedisURL:        getenv("REDIS_URL", ""),
		CORSOrigin:      getenv("TANDEM_CORS_ORIGIN", "*"),
		RoomIdleGrace:   time.Duration(getenvInt("TANDEM_ROOM_IDLE_SECONDS", 60)) * time.Second,
		SnapshotTTL:     time.Duration(getenvInt("TANDEM_SNAPSHOT_TTL_SECONDS", 86400)) * time.Second,
		TicketTTL:       time.Duration(getenvInt("TANDEM_TICKET_TTL_SECONDS", 30)) * time.Second,
		MaxRoomIDLength: getenvInt("TANDEM_MAX_ROOM_ID_LENGTH", 128),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
