/*
Package qosbroker provides distributed admission control for produce traffic on a multi-tenant
topic platform.

Every publishing node runs a RateLimiterService. It decides locally, without any network call,
whether a produce request is admitted, using one limiter per topic and dimension (throughput in
bytes, QPS). Each node periodically reports its per-topic usage to a coordinator, which knows the
topic quotas and the load of all nodes, and answers with a suppression factor in [0,1] per topic.
The factor is the fraction of traffic the node should shed: 0 admits everything, 1 rejects
everything.

# Local only, feedback from a static coordinator
Example:

	import (
		"context"
		"github.com/parkerroan/qosbroker"
		"github.com/parkerroan/qosbroker/broker"
	)

	coordinator := broker.CoordinatorFunc(func(ctx context.Context, r broker.LoadReport) (broker.SuppressionData, error) {
		return broker.NewSuppressionData(), nil
	})

	svc, err := qosbroker.NewRateLimiterService(coordinator,
		qosbroker.WithClientID("node-1"),
		qosbroker.WithReportInterval(time.Second),
	)
	svc.Start(ctx)

	if svc.IsAllowed("orders", int64(len(payload))) {
		// produce
	}

For a real deployment use broker.NewRedisCoordinator on the nodes and run a
coordinator.SuppressionManager behind a broker.CoordinatorServer (see cmd/coordinator).

The repo provides 2 limiters and each can be used without the service:
  - PeakAdaptiveLimiter (github.com/parkerroan/qosbroker/limiter), the default for throughput
  - ProbabilisticLimiter (github.com/parkerroan/qosbroker/limiter), the default for QPS
*/
package qosbroker
