/*
Package coordinator contains the central side of the distributed rate limiter.

Publishing nodes periodically send a broker.LoadReport with the traffic they observed per topic.
The SuppressionManager aggregates the latest report of every node publishing to a topic, compares
the aggregate demand with the topic's quota, and answers with a suppression factor that every node
applies to its local limiters.

Quotas come from a QuotaSource:
  - StaticQuotas: in-memory, for tests and single-tenant setups
  - RedisQuotas: hashes in Redis, shared by every coordinator replica
  - CachedQuotas: a ristretto cache in front of any other source
  - FileQuotas: a YAML file, reloaded when it changes

Nodes that stop reporting are excluded from the aggregate once their last report is older than
WithMaxMissedUpdates intervals; they never block the coordinator.
*/
package coordinator
