// Package docrelay is the messaging backbone of the document-retrieval
// platform. It provides four messaging paradigms behind one contract,
// built on NATS JetStream primitives:
//
//   - acknowledged point-to-point delivery (durable streams + consumer groups)
//   - broadcast pub/sub (core NATS subjects, best effort)
//   - background task execution (taskqueue package)
//   - durable persistence with TTL (KV-backed message store)
//
// The broker package is the core: it owns publishing, consumer-group
// subscriptions, bounded concurrent processing, retry-with-requeue and
// dead-lettering. The eventbus and taskqueue packages are thin adapters
// that map their surfaces onto reserved topic namespaces ("events.<type>",
// "tasks.<name>"); dead letters live under "dlq.<topic>".
//
// A single broker instance is constructed explicitly and injected into
// every publisher and subscriber; there is no process-wide singleton.
package docrelay
