package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg. lookup defaults to
// os.LookupEnv. Millisecond variables keep the names operators already use.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	var errs []error
	atoi := func(k, v string) (int, bool) {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("%s: want a positive integer, got %q", k, v))
			return 0, false
		}
		return n, true
	}
	ms := func(k, v string, dst *string) {
		s, err := millis(k, v)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = s
	}

	if v, ok := get("APP_ENV"); ok {
		cfg.App.Env = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get("DATABASE_URL"); ok {
		cfg.Database.URL = v
	}
	if v, ok := get("REDIS_URL"); ok {
		cfg.Redis.URL = v
	}
	if v, ok := get("MAX_CONCURRENT_JOBS"); ok {
		if n, ok := atoi("MAX_CONCURRENT_JOBS", v); ok {
			cfg.Pool.Workers = n
		}
	}
	if v, ok := get("SCHEDULER_CHECK_INTERVAL"); ok {
		ms("SCHEDULER_CHECK_INTERVAL", v, &cfg.Scheduler.Interval)
	}
	if v, ok := get("JOB_LOCK_TIMEOUT"); ok {
		ms("JOB_LOCK_TIMEOUT", v, &cfg.Reclaim.LockTimeout)
	}
	if v, ok := get("API_RATE_LIMIT"); ok {
		if n, ok := atoi("API_RATE_LIMIT", v); ok {
			cfg.API.RateLimit = n
		}
	}
	if v, ok := get("API_RATE_LIMIT_WINDOW_MS"); ok {
		ms("API_RATE_LIMIT_WINDOW_MS", v, &cfg.API.RateLimitWindow)
	}
	if v, ok := get("API_ADDR"); ok {
		cfg.API.Addr = v
	}
	if v, ok := get("API_JWT_SECRET"); ok {
		cfg.API.JWTSecret = v
	}
	return errors.Join(errs...)
}
