package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Producer  ProducerConfig
	Lane      LaneConfig
	Platforms []PlatformConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
}

type ProducerConfig struct {
	Interval time.Duration
}

type LaneConfig struct {
	VisibilityTimeout time.Duration
	MaxReceiveCount   int
	DedupWindow       time.Duration
}

// PlatformConfig describes one delivery target. The platform name drives
// the env var prefix: a platform "deso" reads PLATFORM_DESO_URL and so on.
type PlatformConfig struct {
	Name         string
	URL          string
	Token        string
	RatePerSec   float64
	SendTimeout  time.Duration
	PollInterval time.Duration
	MaxBatch     int
}

func LoadAll() (*Config, error) {
	var errs []error

	postgresURL, err := requireEnv("POSTGRES_URL")
	if err != nil {
		errs = append(errs, err)
	}

	interval, err := getEnvInt("PRODUCER_INTERVAL_SECONDS", 3600)
	if err != nil {
		errs = append(errs, err)
	}
	visibility, err := getEnvInt("LANE_VISIBILITY_SECONDS", 300)
	if err != nil {
		errs = append(errs, err)
	}
	maxReceive, err := getEnvInt("LANE_MAX_RECEIVE_COUNT", 1)
	if err != nil {
		errs = append(errs, err)
	}
	dedupWindow, err := getEnvInt("LANE_DEDUP_WINDOW_SECONDS", 300)
	if err != nil {
		errs = append(errs, err)
	}

	redisCfg, err := loadRedisConfig()
	if err != nil {
		errs = append(errs, err)
	}

	platforms, err := loadPlatformConfigs()
	if err != nil {
		errs = append(errs, err)
	}

	if err := joinErrors(errs); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: postgresURL,
		},
		Redis: redisCfg,
		Producer: ProducerConfig{
			Interval: time.Duration(interval) * time.Second,
		},
		Lane: LaneConfig{
			VisibilityTimeout: time.Duration(visibility) * time.Second,
			MaxReceiveCount:   maxReceive,
			DedupWindow:       time.Duration(dedupWindow) * time.Second,
		},
		Platforms: platforms,
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	db, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return RedisConfig{}, err
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	}, nil
}

func loadPlatformConfigs() ([]PlatformConfig, error) {
	raw, err := requireEnv("PLATFORMS")
	if err != nil {
		return nil, err
	}

	var errs []error
	var platforms []PlatformConfig

	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		prefix := "PLATFORM_" + envKey(name) + "_"

		url, err := requireEnv(prefix + "URL")
		if err != nil {
			errs = append(errs, err)
		}
		rate, err := getEnvFloat(prefix+"RATE_PER_SEC", 1)
		if err != nil {
			errs = append(errs, err)
		}
		sendTimeout, err := getEnvInt(prefix+"SEND_TIMEOUT_SECONDS", 300)
		if err != nil {
			errs = append(errs, err)
		}
		pollInterval, err := getEnvInt(prefix+"POLL_INTERVAL_SECONDS", 5)
		if err != nil {
			errs = append(errs, err)
		}
		maxBatch, err := getEnvInt(prefix+"MAX_BATCH", 10)
		if err != nil {
			errs = append(errs, err)
		}

		platforms = append(platforms, PlatformConfig{
			Name:         name,
			URL:          url,
			Token:        os.Getenv(prefix + "TOKEN"),
			RatePerSec:   rate,
			SendTimeout:  time.Duration(sendTimeout) * time.Second,
			PollInterval: time.Duration(pollInterval) * time.Second,
			MaxBatch:     maxBatch,
		})
	}

	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	if len(platforms) == 0 {
		return nil, fmt.Errorf("PLATFORMS must name at least one platform")
	}
	return platforms, nil
}

func validate(cfg *Config) error {
	var errs []error

	if cfg.Producer.Interval <= 0 {
		errs = append(errs, fmt.Errorf("PRODUCER_INTERVAL_SECONDS must be > 0"))
	}
	if cfg.Lane.VisibilityTimeout <= 0 {
		errs = append(errs, fmt.Errorf("LANE_VISIBILITY_SECONDS must be > 0"))
	}
	if cfg.Lane.MaxReceiveCount < 1 {
		errs = append(errs, fmt.Errorf("LANE_MAX_RECEIVE_COUNT must be >= 1"))
	}
	if cfg.Lane.DedupWindow <= 0 {
		errs = append(errs, fmt.Errorf("LANE_DEDUP_WINDOW_SECONDS must be > 0"))
	}
	for _, p := range cfg.Platforms {
		prefix := "PLATFORM_" + envKey(p.Name) + "_"
		if p.RatePerSec <= 0 {
			errs = append(errs, fmt.Errorf("%sRATE_PER_SEC must be > 0", prefix))
		}
		if p.SendTimeout <= 0 {
			errs = append(errs, fmt.Errorf("%sSEND_TIMEOUT_SECONDS must be > 0", prefix))
		}
		if p.PollInterval <= 0 {
			errs = append(errs, fmt.Errorf("%sPOLL_INTERVAL_SECONDS must be > 0", prefix))
		}
		if p.MaxBatch <= 0 {
			errs = append(errs, fmt.Errorf("%sMAX_BATCH must be > 0", prefix))
		}
	}

	return joinErrors(errs)
}

// envKey normalizes a platform name into the env var segment form.
func envKey(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number for env %s: %s", key, v)
	}
	return f, nil
}

func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
