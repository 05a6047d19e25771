package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TopicUsage is the traffic a client observed for one topic during a reporting window.
type TopicUsage struct {
	Topic   string `json:"topic"`
	Bytes   int64  `json:"bytes"`   // bytes attempted, admitted or not
	Queries int64  `json:"queries"` // publish requests attempted
}

// LoadReport represents the structure of the data a node sends to the coordinator every interval.
type LoadReport struct {
	ID       uuid.UUID    `json:"id"`        // Unique per report, used to correlate the reply
	ClientID string       `json:"client_id"` // The reporting node
	From     time.Time    `json:"from"`      // Start of the window the usage was collected in
	To       time.Time    `json:"to"`        // End of the window
	Usage    []TopicUsage `json:"usage"`
}

func (r LoadReport) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// Window returns the length of the reporting window.
func (r LoadReport) Window() time.Duration {
	return r.To.Sub(r.From)
}

// SuppressionFactor holds the per-dimension fraction of traffic to reject for a topic.
type SuppressionFactor struct {
	Throughput float64 `json:"throughput"`
	QPS        float64 `json:"qps"`
}

// SuppressionData is the coordinator's per-topic decision for one reporting interval.
type SuppressionData struct {
	Factors map[string]SuppressionFactor `json:"factors"`
}

func (d SuppressionData) MarshalBinary() ([]byte, error) {
	return json.Marshal(d)
}

// NewSuppressionData returns an empty SuppressionData ready to be filled.
func NewSuppressionData() SuppressionData {
	return SuppressionData{Factors: make(map[string]SuppressionFactor)}
}

// Coordinator is the interface that aggregates reports from every node publishing to a topic
// and answers with a suppression factor per topic. It could be implemented in process or
// behind any transport, e.g. Redis.
type Coordinator interface {
	AddTrafficData(ctx context.Context, report LoadReport) (SuppressionData, error)
}

// CoordinatorFunc adapts a function to the Coordinator interface.
type CoordinatorFunc func(ctx context.Context, report LoadReport) (SuppressionData, error)

func (f CoordinatorFunc) AddTrafficData(ctx context.Context, report LoadReport) (SuppressionData, error) {
	return f(ctx, report)
}
