// Package config loads dispatch-api settings: built-in defaults, then an
// optional YAML file, then DISPATCH_* and infrastructure environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/depannage/dispatch/internal/assignment"
	"github.com/depannage/dispatch/internal/location"
	"github.com/depannage/dispatch/internal/matcher"
	"github.com/depannage/dispatch/internal/notify"
	"github.com/depannage/dispatch/internal/platform/env"
	"github.com/depannage/dispatch/internal/platform/retry"
	"github.com/depannage/dispatch/internal/statemachine"
	"github.com/depannage/dispatch/internal/tracking"
)

// InsecureJWTSecret is only accepted when Env is "development".
const InsecureJWTSecret = "dev-insecure-change-me"

type Config struct {
	Env             string        `yaml:"env"`
	HTTPAddr        string        `yaml:"http_addr"`
	AllowedOrigin   string        `yaml:"allowed_origin"`
	DatabaseURL     string        `yaml:"database_url"`
	NATSURL         string        `yaml:"nats_url"`
	MongoURL        string        `yaml:"mongo_url"`
	RedisURL        string        `yaml:"redis_url"`
	JWTSecret       string        `yaml:"jwt_secret"`
	OTLPEndpoint    string        `yaml:"otlp_endpoint"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Dispatch Dispatch `yaml:"dispatch"`
}

// Dispatch holds the engine tunables. Field names follow the documented
// option names.
type Dispatch struct {
	SearchRadiusKm           float64         `yaml:"search_radius_km"`
	MaxSearchRadiusKm        float64         `yaml:"max_search_radius_km"`
	MaxCandidates            int             `yaml:"max_candidates"`
	OfferTimeoutSeconds      int             `yaml:"offer_timeout_seconds"`
	NoMatchTimeoutMinutes    int             `yaml:"no_match_timeout_minutes"`
	RetryIntervalSeconds     int             `yaml:"retry_interval_seconds"`
	ValidationWindowHours    int             `yaml:"validation_window_hours"`
	NoShowWindowMinutes      int             `yaml:"no_show_window_minutes"`
	MinUpdateIntervalSeconds int             `yaml:"min_update_interval_seconds"`
	TrackingThrottleSeconds  int             `yaml:"tracking_throttle_seconds"`
	AverageSpeedKmH          float64         `yaml:"average_speed_kmh"`
	MinEtaMinutes            float64         `yaml:"min_eta_minutes"`
	ArrivalRadiusKm          float64         `yaml:"arrival_radius_km"`
	MaxHistoryDays           int             `yaml:"max_history_days"`
	HistoryPruneInterval     time.Duration   `yaml:"history_prune_interval"`
	HeartbeatIntervalSeconds int             `yaml:"heartbeat_interval_seconds"`
	ResponsivenessWindowDays int             `yaml:"responsiveness_window_days"`
	ScoreWeights             matcher.Weights `yaml:"score_weights"`
	LaneCount                int             `yaml:"lane_count"`
	GeohashPrecision         int             `yaml:"geohash_precision"`
	NotificationMaxAttempts  int             `yaml:"notification_max_attempts"`
	NotificationBaseBackoff  time.Duration   `yaml:"notification_base_backoff"`
	NotificationMaxBackoff   time.Duration   `yaml:"notification_max_backoff"`
}

func Defaults() Config {
	return Config{
		Env:             "development",
		HTTPAddr:        env.DefaultAPIAddr,
		AllowedOrigin:   "*",
		DatabaseURL:     env.DefaultDatabaseURL,
		JWTSecret:       InsecureJWTSecret,
		ShutdownTimeout: 10 * time.Second,
		Dispatch:        DefaultDispatch(),
	}
}

func DefaultDispatch() Dispatch {
	return Dispatch{
		SearchRadiusKm:           15,
		MaxSearchRadiusKm:        30,
		MaxCandidates:            10,
		OfferTimeoutSeconds:      60,
		NoMatchTimeoutMinutes:    10,
		RetryIntervalSeconds:     30,
		ValidationWindowHours:    48,
		NoShowWindowMinutes:      60,
		MinUpdateIntervalSeconds: 2,
		TrackingThrottleSeconds:  5,
		AverageSpeedKmH:          12,
		MinEtaMinutes:            5,
		ArrivalRadiusKm:          0.2,
		MaxHistoryDays:           30,
		HistoryPruneInterval:     time.Hour,
		HeartbeatIntervalSeconds: 30,
		ResponsivenessWindowDays: 30,
		ScoreWeights:             matcher.Weights{Distance: 0.5, Rating: 0.3, Responsiveness: 0.2},
		LaneCount:                64,
		GeohashPrecision:         5,
		NotificationMaxAttempts:  5,
		NotificationBaseBackoff:  100 * time.Millisecond,
		NotificationMaxBackoff:   5 * time.Second,
	}
}

// Load applies path (when non-empty) and the environment on top of the
// defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Env = env.String("DISPATCH_ENV", c.Env)
	c.HTTPAddr = env.String("HTTP_ADDR", c.HTTPAddr)
	c.AllowedOrigin = env.String("UI_ORIGIN", c.AllowedOrigin)
	c.DatabaseURL = env.String("DATABASE_URL", c.DatabaseURL)
	c.NATSURL = env.String("NATS_URL", c.NATSURL)
	c.MongoURL = env.String("MONGO_URL", c.MongoURL)
	c.RedisURL = env.String("REDIS_URL", c.RedisURL)
	c.JWTSecret = env.String("JWT_SECRET", c.JWTSecret)
	c.OTLPEndpoint = env.String("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)
	c.ShutdownTimeout = env.Duration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)

	d := &c.Dispatch
	d.SearchRadiusKm = env.Float("DISPATCH_SEARCH_RADIUS_KM", d.SearchRadiusKm)
	d.MaxSearchRadiusKm = env.Float("DISPATCH_MAX_SEARCH_RADIUS_KM", d.MaxSearchRadiusKm)
	d.MaxCandidates = env.Int("DISPATCH_MAX_CANDIDATES", d.MaxCandidates)
	d.OfferTimeoutSeconds = env.Int("DISPATCH_OFFER_TIMEOUT_SECONDS", d.OfferTimeoutSeconds)
	d.NoMatchTimeoutMinutes = env.Int("DISPATCH_NO_MATCH_TIMEOUT_MINUTES", d.NoMatchTimeoutMinutes)
	d.RetryIntervalSeconds = env.Int("DISPATCH_RETRY_INTERVAL_SECONDS", d.RetryIntervalSeconds)
	d.ValidationWindowHours = env.Int("DISPATCH_VALIDATION_WINDOW_HOURS", d.ValidationWindowHours)
	d.NoShowWindowMinutes = env.Int("DISPATCH_NO_SHOW_WINDOW_MINUTES", d.NoShowWindowMinutes)
	d.MinUpdateIntervalSeconds = env.Int("DISPATCH_MIN_UPDATE_INTERVAL_SECONDS", d.MinUpdateIntervalSeconds)
	d.TrackingThrottleSeconds = env.Int("DISPATCH_TRACKING_THROTTLE_SECONDS", d.TrackingThrottleSeconds)
	d.AverageSpeedKmH = env.Float("DISPATCH_AVERAGE_SPEED_KMH", d.AverageSpeedKmH)
	d.MinEtaMinutes = env.Float("DISPATCH_MIN_ETA_MINUTES", d.MinEtaMinutes)
	d.ArrivalRadiusKm = env.Float("DISPATCH_ARRIVAL_RADIUS_KM", d.ArrivalRadiusKm)
	d.MaxHistoryDays = env.Int("DISPATCH_MAX_HISTORY_DAYS", d.MaxHistoryDays)
	d.HistoryPruneInterval = env.Duration("DISPATCH_HISTORY_PRUNE_INTERVAL", d.HistoryPruneInterval)
	d.HeartbeatIntervalSeconds = env.Int("DISPATCH_HEARTBEAT_INTERVAL_SECONDS", d.HeartbeatIntervalSeconds)
	d.ResponsivenessWindowDays = env.Int("DISPATCH_RESPONSIVENESS_WINDOW_DAYS", d.ResponsivenessWindowDays)
	d.ScoreWeights.Distance = env.Float("DISPATCH_SCORE_WEIGHT_DISTANCE", d.ScoreWeights.Distance)
	d.ScoreWeights.Rating = env.Float("DISPATCH_SCORE_WEIGHT_RATING", d.ScoreWeights.Rating)
	d.ScoreWeights.Responsiveness = env.Float("DISPATCH_SCORE_WEIGHT_RESPONSIVENESS", d.ScoreWeights.Responsiveness)
	d.LaneCount = env.Int("DISPATCH_LANE_COUNT", d.LaneCount)
	d.GeohashPrecision = env.Int("DISPATCH_GEOHASH_PRECISION", d.GeohashPrecision)
	d.NotificationMaxAttempts = env.Int("DISPATCH_NOTIFICATION_MAX_ATTEMPTS", d.NotificationMaxAttempts)
	d.NotificationBaseBackoff = env.Duration("DISPATCH_NOTIFICATION_BASE_BACKOFF", d.NotificationBaseBackoff)
	d.NotificationMaxBackoff = env.Duration("DISPATCH_NOTIFICATION_MAX_BACKOFF", d.NotificationMaxBackoff)
}

func (c Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("jwt_secret is required"))
	} else if c.JWTSecret == InsecureJWTSecret && c.Env != "development" {
		errs = append(errs, fmt.Errorf("the default jwt_secret is only allowed in development (env=%s)", c.Env))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown_timeout must be positive"))
	}
	if err := c.Dispatch.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (d Dispatch) Validate() error {
	var errs []error
	positive := func(name string, v float64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, v))
		}
	}
	positive("search_radius_km", d.SearchRadiusKm)
	positive("max_search_radius_km", d.MaxSearchRadiusKm)
	positive("max_candidates", float64(d.MaxCandidates))
	positive("offer_timeout_seconds", float64(d.OfferTimeoutSeconds))
	positive("no_match_timeout_minutes", float64(d.NoMatchTimeoutMinutes))
	positive("validation_window_hours", float64(d.ValidationWindowHours))
	positive("tracking_throttle_seconds", float64(d.TrackingThrottleSeconds))
	positive("average_speed_kmh", d.AverageSpeedKmH)
	positive("max_history_days", float64(d.MaxHistoryDays))
	positive("heartbeat_interval_seconds", float64(d.HeartbeatIntervalSeconds))
	positive("lane_count", float64(d.LaneCount))
	positive("notification_max_attempts", float64(d.NotificationMaxAttempts))
	if d.MinUpdateIntervalSeconds < 0 {
		errs = append(errs, errors.New("min_update_interval_seconds must not be negative"))
	}
	if d.MinEtaMinutes < 0 {
		errs = append(errs, errors.New("min_eta_minutes must not be negative"))
	}
	if d.GeohashPrecision < 1 || d.GeohashPrecision > 9 {
		errs = append(errs, fmt.Errorf("geohash_precision must be within [1, 9], got %d", d.GeohashPrecision))
	}
	if d.SearchRadiusKm > d.MaxSearchRadiusKm {
		errs = append(errs, errors.New("search_radius_km must not exceed max_search_radius_km"))
	}
	w := d.ScoreWeights
	if w.Distance < 0 || w.Rating < 0 || w.Responsiveness < 0 {
		errs = append(errs, errors.New("score weights must not be negative"))
	} else if w.Distance+w.Rating+w.Responsiveness == 0 {
		errs = append(errs, errors.New("score weights must not all be zero"))
	}
	return errors.Join(errs...)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (d Dispatch) Matcher() matcher.Config {
	return matcher.Config{
		MaxCandidates:        d.MaxCandidates,
		SearchRadiusKm:       d.SearchRadiusKm,
		MaxSearchRadiusKm:    d.MaxSearchRadiusKm,
		Weights:              d.ScoreWeights,
		ResponsivenessWindow: time.Duration(d.ResponsivenessWindowDays) * 24 * time.Hour,
	}
}

func (d Dispatch) StateMachine() statemachine.Config {
	return statemachine.Config{
		ValidationWindow: time.Duration(d.ValidationWindowHours) * time.Hour,
		NoShowWindow:     time.Duration(d.NoShowWindowMinutes) * time.Minute,
		Retry:            d.Persistence(),
	}
}

// Persistence is the retry envelope for store writes. It is the
// notification envelope.
func (d Dispatch) Persistence() retry.Policy { return d.Notify().Policy() }

func (d Dispatch) Assignment() assignment.Config {
	return assignment.Config{
		OfferTimeout:   seconds(d.OfferTimeoutSeconds),
		NoMatchTimeout: time.Duration(d.NoMatchTimeoutMinutes) * time.Minute,
		RetryInterval:  seconds(d.RetryIntervalSeconds),
	}
}

func (d Dispatch) Location() location.Config {
	return location.Config{
		MinUpdateInterval: seconds(d.MinUpdateIntervalSeconds),
		MaxHistory:        d.MaxHistory(),
		PruneInterval:     d.HistoryPruneInterval,
	}
}

func (d Dispatch) MaxHistory() time.Duration {
	return time.Duration(d.MaxHistoryDays) * 24 * time.Hour
}

func (d Dispatch) Tracking() tracking.Config {
	return tracking.Config{
		AverageSpeedKmH: d.AverageSpeedKmH,
		MinEtaMinutes:   d.MinEtaMinutes,
		Throttle:        seconds(d.TrackingThrottleSeconds),
		ArrivalRadiusKm: d.ArrivalRadiusKm,
	}
}

func (d Dispatch) Notify() notify.Config {
	return notify.Config{
		MaxAttempts: d.NotificationMaxAttempts,
		BaseBackoff: d.NotificationBaseBackoff,
		MaxBackoff:  d.NotificationMaxBackoff,
	}
}

func (d Dispatch) Heartbeat() time.Duration { return seconds(d.HeartbeatIntervalSeconds) }

func (d Dispatch) MinUpdateInterval() time.Duration { return seconds(d.MinUpdateIntervalSeconds) }
