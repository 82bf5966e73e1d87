// Package results hands finalized session records to durable storage.
//
// A session calls Sink.Submit exactly once when it completes and never
// retries; retry and delivery guarantees belong to the sink. Available sinks:
//   - FileSink: one JSON file per record
//   - SQLiteSink: a session_results table (modernc.org/sqlite, no cgo)
//   - RedisSink: one key per record with a TTL plus an index list
//   - KafkaSink: one message per record, keyed by session code
//
// Fanout submits to several sinks. File, SQLite and Redis sinks also
// implement Store, which the REST API uses to serve results back.
package results
