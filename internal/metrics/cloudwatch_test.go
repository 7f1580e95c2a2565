package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type fakeCloudWatch struct {
	inputs []*cloudwatch.PutMetricDataInput
	err    error
}

func (f *fakeCloudWatch) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.inputs = append(f.inputs, in)
	return &cloudwatch.PutMetricDataOutput{}, f.err
}

func TestCloudWatchPublisherPublishesMetric(t *testing.T) {
	fake := &fakeCloudWatch{}
	pub := newCloudWatchPublisher(fake, "")

	pub.Handle(Metric{
		Timestamp: time.Now(),
		Component: "cycle",
		Name:      "contracts",
		Value:     42,
		Unit:      UnitCount,
		Labels:    map[string]string{"underlying": "NIFTY", "expiry": "2024-06-27", "empty": ""},
	})

	if len(fake.inputs) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(fake.inputs))
	}
	in := fake.inputs[0]
	if aws.ToString(in.Namespace) != "OptionFlow" {
		t.Fatalf("unexpected namespace: %s", aws.ToString(in.Namespace))
	}
	if len(in.MetricData) != 1 {
		t.Fatalf("expected single datum, got %d", len(in.MetricData))
	}

	datum := in.MetricData[0]
	if aws.ToString(datum.MetricName) != "contracts" {
		t.Fatalf("unexpected metric name: %v", datum.MetricName)
	}
	if datum.Value == nil || *datum.Value != 42 {
		t.Fatalf("unexpected metric value: %v", datum.Value)
	}
	if datum.Unit != cwtypes.StandardUnitCount {
		t.Fatalf("unexpected unit: %s", datum.Unit)
	}

	var names []string
	for _, d := range datum.Dimensions {
		names = append(names, aws.ToString(d.Name))
	}
	want := []string{"component", "expiry", "underlying"}
	if len(names) != len(want) {
		t.Fatalf("unexpected dimensions: %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("unexpected dimensions: %v", names)
		}
	}
}

func TestCloudWatchPublisherToleratesAPIErrors(t *testing.T) {
	fake := &fakeCloudWatch{err: errors.New("throttled")}
	pub := newCloudWatchPublisher(fake, "Custom")

	pub.Handle(Metric{Component: "cycle", Name: "duration_ms", Value: 1.5, Unit: UnitMilliseconds})

	if len(fake.inputs) != 1 {
		t.Fatalf("expected publish attempt, got %d", len(fake.inputs))
	}
	if fake.inputs[0].MetricData[0].Unit != cwtypes.StandardUnitMilliseconds {
		t.Fatalf("unexpected unit: %s", fake.inputs[0].MetricData[0].Unit)
	}
}

func TestStandardUnit(t *testing.T) {
	tests := []struct {
		in    Unit
		want  cwtypes.StandardUnit
		found bool
	}{
		{"", cwtypes.StandardUnitCount, true},
		{UnitPercent, cwtypes.StandardUnitPercent, true},
		{UnitSeconds, cwtypes.StandardUnitSeconds, true},
		{"bytes", cwtypes.StandardUnitCount, false},
	}
	for _, tt := range tests {
		got, found := standardUnit(tt.in)
		if got != tt.want || found != tt.found {
			t.Fatalf("standardUnit(%q) = %s, %v", tt.in, got, found)
		}
	}
}
