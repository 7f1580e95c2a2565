package metrics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"optionflow/logger"
)

type cloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchPublisher forwards numeric metric events to CloudWatch.
type CloudWatchPublisher struct {
	client    cloudWatchAPI
	namespace string
	timeout   time.Duration
	log       *logger.Entry
}

// InitCloudWatch loads the AWS configuration for region, builds a publisher
// and registers it as a metric handler. The returned id unregisters it.
func InitCloudWatch(ctx context.Context, region, namespace string) (*CloudWatchPublisher, MetricHandlerID, error) {
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, 0, fmt.Errorf("load aws config: %w", err)
	}

	pub := newCloudWatchPublisher(cloudwatch.NewFromConfig(cfg), namespace)
	id := RegisterMetricHandler(pub.Handle)

	pub.log.WithFields(logger.Fields{
		"region":    cfg.Region,
		"namespace": pub.namespace,
	}).Info("initialized CloudWatch client")
	return pub, id, nil
}

func newCloudWatchPublisher(client cloudWatchAPI, namespace string) *CloudWatchPublisher {
	if namespace == "" {
		namespace = "OptionFlow"
	}
	return &CloudWatchPublisher{
		client:    client,
		namespace: namespace,
		timeout:   10 * time.Second,
		log:       logger.GetLogger().WithComponent("cloudwatch"),
	}
}

// Handle is a MetricHandler.
func (p *CloudWatchPublisher) Handle(metric Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	p.publish(ctx, []cwtypes.MetricDatum{p.datum(metric)})
}

func (p *CloudWatchPublisher) datum(metric Metric) cwtypes.MetricDatum {
	unit, found := standardUnit(metric.Unit)
	if !found {
		p.log.WithFields(logger.Fields{"metric": metric.Name, "unit": string(metric.Unit)}).Debug("unsupported metric unit; defaulting to Count")
	}

	names := make([]string, 0, len(metric.Labels))
	for k, v := range metric.Labels {
		if v != "" {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(metric.Component)}}
	for _, k := range names {
		dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(metric.Labels[k])})
	}

	ts := metric.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return cwtypes.MetricDatum{
		MetricName: aws.String(metric.Name),
		Dimensions: dims,
		Unit:       unit,
		Value:      aws.Float64(metric.Value),
		Timestamp:  aws.Time(ts),
	}
}

func (p *CloudWatchPublisher) publish(ctx context.Context, data []cwtypes.MetricDatum) {
	if len(data) == 0 {
		return
	}

	if _, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(p.namespace),
		MetricData: data,
	}); err != nil {
		p.log.WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}
	p.log.WithField("metrics", strings.Join(names, ",")).Debug("published metrics to CloudWatch")
}

func standardUnit(unit Unit) (cwtypes.StandardUnit, bool) {
	switch unit {
	case UnitCount, "":
		return cwtypes.StandardUnitCount, true
	case UnitPercent:
		return cwtypes.StandardUnitPercent, true
	case UnitSeconds:
		return cwtypes.StandardUnitSeconds, true
	case UnitMilliseconds:
		return cwtypes.StandardUnitMilliseconds, true
	default:
		return cwtypes.StandardUnitCount, false
	}
}
