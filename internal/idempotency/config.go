package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/jmespath/go-jmespath"
)

const (
	// DefaultExpiresAfter is the record TTL used when none is configured.
	DefaultExpiresAfter = time.Hour
	// DefaultLocalCacheMaxItems bounds the in-process cache when enabled without a size.
	DefaultLocalCacheMaxItems = 256

	defaultKeyPrefix = "idempotency"
)

// ResponseHook transforms a response at the two return points (replay and fresh success).
// It is never invoked on error paths.
type ResponseHook func(response json.RawMessage, record *Record) json.RawMessage

// Outcome classifies how an Execute call was resolved.
type Outcome string

const (
	OutcomeExecuted         Outcome = "Executed"
	OutcomeReplayed         Outcome = "Replayed"
	OutcomeInProgress       Outcome = "InProgress"
	OutcomeValidationFailed Outcome = "ValidationFailed"
)

// Observer is notified of Execute outcomes, for metrics.
type Observer interface {
	Observe(ctx context.Context, key string, outcome Outcome)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, key string, outcome Outcome)

// Observe implements Observer.
func (f ObserverFunc) Observe(ctx context.Context, key string, outcome Outcome) { f(ctx, key, outcome) }

// Config holds orchestrator settings. Build it through Options passed to New.
type Config struct {
	// EventKeyExpression selects the hashing input from the payload. Empty means the whole payload.
	EventKeyExpression string `validate:"omitempty,jmespath"`
	// PayloadValidationExpression selects the fingerprinted sub-document. Empty disables drift detection.
	PayloadValidationExpression string `validate:"omitempty,jmespath"`
	// ExpiresAfter is added to now to compute the record expiry.
	ExpiresAfter time.Duration `validate:"gt=0"`
	// InProgressExpiresAfter is the lease duration. Zero means "bounded only by the remaining
	// invocation time and ExpiresAfter".
	InProgressExpiresAfter time.Duration `validate:"gte=0"`
	// KeyPrefix namespaces derived keys, typically the function name.
	KeyPrefix string `validate:"required"`

	UseLocalCache      bool
	LocalCacheMaxItems int `validate:"gte=0"`

	ResponseHook ResponseHook
	Observer     Observer
	Extractor    Extractor
	Logger       *slog.Logger
	// Disabled makes Execute call the function directly.
	Disabled bool
	Now      func() time.Time
}

// Option configures the orchestrator.
type Option func(*Config)

// WithEventKeyExpression sets the JMESPath expression used to derive the key.
func WithEventKeyExpression(expr string) Option {
	return func(c *Config) { c.EventKeyExpression = expr }
}

// WithPayloadValidationExpression enables payload drift detection on the selected sub-document.
func WithPayloadValidationExpression(expr string) Option {
	return func(c *Config) { c.PayloadValidationExpression = expr }
}

// WithExpiresAfter sets the record TTL.
func WithExpiresAfter(d time.Duration) Option {
	return func(c *Config) { c.ExpiresAfter = d }
}

// WithInProgressExpiresAfter sets the lease duration.
func WithInProgressExpiresAfter(d time.Duration) Option {
	return func(c *Config) { c.InProgressExpiresAfter = d }
}

// WithKeyPrefix overrides the key namespace (default: Lambda function name).
func WithKeyPrefix(prefix string) Option {
	return func(c *Config) { c.KeyPrefix = prefix }
}

// WithLocalCache enables the in-process cache of completed records. maxItems <= 0 uses
// DefaultLocalCacheMaxItems.
func WithLocalCache(maxItems int) Option {
	return func(c *Config) {
		c.UseLocalCache = true
		c.LocalCacheMaxItems = maxItems
	}
}

// WithResponseHook sets the response post-processing hook.
func WithResponseHook(hook ResponseHook) Option {
	return func(c *Config) { c.ResponseHook = hook }
}

// WithObserver registers an outcome observer.
func WithObserver(o Observer) Option {
	return func(c *Config) { c.Observer = o }
}

// WithExtractor replaces the JMESPath evaluator.
func WithExtractor(e Extractor) Option {
	return func(c *Config) { c.Extractor = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithDisabled turns the orchestrator into a pass-through.
func WithDisabled(disabled bool) Option {
	return func(c *Config) { c.Disabled = disabled }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Config) { c.Now = now }
}

// NewConfig applies options and fills defaults.
func NewConfig(opts ...Option) Config {
	c := Config{
		ExpiresAfter: DefaultExpiresAfter,
		KeyPrefix:    lambdacontext.FunctionName,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultKeyPrefix
	}
	if c.UseLocalCache && c.LocalCacheMaxItems <= 0 {
		c.LocalCacheMaxItems = DefaultLocalCacheMaxItems
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Extractor == nil {
		c.Extractor = &JMESPathExtractor{}
	}
	return c
}

var configValidator = newConfigValidator()

func newConfigValidator() *validatorv10.Validate {
	v := validatorv10.New()
	_ = v.RegisterValidation("jmespath", func(fl validatorv10.FieldLevel) bool {
		_, err := jmespath.Compile(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks the config for invalid durations and expressions.
func (c Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid idempotency config: %w", err)
	}
	return nil
}
