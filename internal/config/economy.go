package config

import (
	"os"
	"strconv"
	"time"
)

// EconomyConfig carries the tunable parameters of the coin economy. The
// cashback distribution is deliberately configuration, not contract.
type EconomyConfig struct {
	PlatformCutBps        int   // platform cut in basis points (500 = 5%)
	CashbackMaxBps        int   // upper bound of the random cashback draw
	RGBGiftThreshold      int64 // single-gift cost that unlocks the RGB username
	RGBDuration           time.Duration
	GoldSpendThreshold    int64 // cumulative gift spend that unlocks permanent Gold
	HallOfFameThreshold   int64 // single-gift cost that enters the hall of fame
	AnnouncementThreshold int64 // single-gift cost that triggers a platform announcement
	GifterXPDivisor       int64 // gifter XP = coins / divisor
	StreamerXPDivisor     int64 // streamer XP = coins / divisor
	PlatformFeeAccount    string
}

func LoadEconomyConfig() *EconomyConfig {
	return &EconomyConfig{
		PlatformCutBps:        getEnvAsInt("ECONOMY_PLATFORM_CUT_BPS", 500),
		CashbackMaxBps:        getEnvAsInt("ECONOMY_CASHBACK_MAX_BPS", 1000),
		RGBGiftThreshold:      getEnvAsInt64("ECONOMY_RGB_GIFT_THRESHOLD", 10000),
		RGBDuration:           getEnvAsDuration("ECONOMY_RGB_DURATION", 30*24*time.Hour),
		GoldSpendThreshold:    getEnvAsInt64("ECONOMY_GOLD_SPEND_THRESHOLD", 100000),
		HallOfFameThreshold:   getEnvAsInt64("ECONOMY_HALL_OF_FAME_THRESHOLD", 250000),
		AnnouncementThreshold: getEnvAsInt64("ECONOMY_ANNOUNCEMENT_THRESHOLD", 50000),
		GifterXPDivisor:       getEnvAsInt64("ECONOMY_GIFTER_XP_DIVISOR", 10),
		StreamerXPDivisor:     getEnvAsInt64("ECONOMY_STREAMER_XP_DIVISOR", 12),
		PlatformFeeAccount:    getEnv("PLATFORM_FEE_ACCOUNT", "platform"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.ParseInt(val, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
