package aws

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/imrishuroy/go-idempotent-lambda/internal/idempotency"
)

const (
	metricsTimeout = 2 * time.Second
	// DefaultMetricsInterval is how often Run flushes counts when no interval is given.
	DefaultMetricsInterval = 10 * time.Second
)

// MetricsPublisher reports idempotency outcomes as CloudWatch counts. It implements
// idempotency.Observer.
//
// Observe only bumps an in-memory counter; Run or Flush sends the accumulated counts in a
// single PutMetricData call. The metric name is the outcome and, when Function is set, the
// only dimension is the function name.
type MetricsPublisher struct {
	CloudWatch CloudWatchAPI
	Namespace  string
	Function   string
	Logger     *slog.Logger

	mu     sync.Mutex
	counts map[idempotency.Outcome]float64
}

// NewMetricsPublisher returns a MetricsPublisher writing to namespace.
func NewMetricsPublisher(client CloudWatchAPI, namespace, function string) *MetricsPublisher {
	return &MetricsPublisher{
		CloudWatch: client,
		Namespace:  namespace,
		Function:   function,
		Logger:     slog.Default(),
		counts:     map[idempotency.Outcome]float64{},
	}
}

// Observe implements idempotency.Observer. It never blocks on CloudWatch.
func (m *MetricsPublisher) Observe(ctx context.Context, key string, outcome idempotency.Outcome) {
	m.mu.Lock()
	if m.counts == nil {
		m.counts = map[idempotency.Outcome]float64{}
	}
	m.counts[outcome]++
	m.mu.Unlock()
}

// Flush sends the counts gathered since the last flush. Counts are dropped when the call
// fails; the error is logged and returned.
func (m *MetricsPublisher) Flush(ctx context.Context) error {
	m.mu.Lock()
	counts := m.counts
	m.counts = map[idempotency.Outcome]float64{}
	m.mu.Unlock()
	if len(counts) == 0 {
		return nil
	}

	outcomes := make([]string, 0, len(counts))
	for o := range counts {
		outcomes = append(outcomes, string(o))
	}
	sort.Strings(outcomes)

	var dims []cwtypes.Dimension
	if m.Function != "" {
		dims = []cwtypes.Dimension{{Name: awsString("Function"), Value: awsString(m.Function)}}
	}
	data := make([]cwtypes.MetricDatum, 0, len(outcomes))
	for _, o := range outcomes {
		v := counts[idempotency.Outcome(o)]
		data = append(data, cwtypes.MetricDatum{
			MetricName: awsString(o),
			Value:      &v,
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: dims,
		})
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsTimeout)
	defer cancel()
	_, err := m.CloudWatch.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  awsString(m.Namespace),
		MetricData: data,
	})
	if err != nil && m.Logger != nil {
		m.Logger.Warn("put idempotency metrics failed",
			"namespace", m.Namespace,
			"outcomes", outcomes,
			"error", err,
		)
	}
	return err
}

// Run flushes every interval until ctx is done, then flushes once more. In Lambda the loop
// only advances while the execution environment is thawed.
func (m *MetricsPublisher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultMetricsInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = m.Flush(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			_ = m.Flush(ctx)
		}
	}
}
