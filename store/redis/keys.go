package redis

// Redis key naming conventions for engine data.
// All keys are prefixed with "imggo:" to avoid collisions.

const keyPrefix = "imggo:"

// ── Job keys ──

// jobKey returns the key for a job entity: imggo:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// jobQueueKey is the List holding queued job IDs in FIFO order.
const jobQueueKey = keyPrefix + "jobs:queue"

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// ── Idempotency keys ──

// idemKey returns the key for a reservation: imggo:idem:{apiKey}:{key}
func idemKey(apiKey, key string) string {
	return keyPrefix + "idem:" + apiKey + ":" + key
}

// ── Webhook keys ──

// webhookKey returns the key for a subscription entity: imggo:webhook:{id}
func webhookKey(id string) string { return keyPrefix + "webhook:" + id }

// webhookIDsKey is the Set tracking all subscription IDs for enumeration.
const webhookIDsKey = keyPrefix + "webhook_ids"

// ── Delivery keys ──

// deliveryKey returns the key for a delivery attempt entity: imggo:delivery:{id}
func deliveryKey(id string) string { return keyPrefix + "delivery:" + id }

// deliveryPendingKey is the Sorted Set of pending attempt IDs scored by
// scheduled time.
const deliveryPendingKey = keyPrefix + "deliveries:pending"

// deliveryInFlightKey is the Sorted Set of claimed attempt IDs scored by
// claim time, used for stale reaping.
const deliveryInFlightKey = keyPrefix + "deliveries:inflight"

// jobDeliveriesKey returns the Set of attempt IDs for a job: imggo:job_deliveries:{jobID}
func jobDeliveriesKey(jobID string) string {
	return keyPrefix + "job_deliveries:" + jobID
}

// deliveryIDsKey is the Set tracking all attempt IDs for enumeration.
const deliveryIDsKey = keyPrefix + "delivery_ids"
