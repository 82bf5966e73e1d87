// Package config loads server settings from LIVETEST_* environment variables.
//
// Values come from the process environment (after an optional .env file is
// loaded by the caller) and are parsed with defaults declared in struct tags.
// Command line flags may override a few of them afterwards; call Validate
// once all sources are applied.
//
// Nested groups use their own prefix, for example LIVETEST_REDIS_ADDR,
// LIVETEST_KAFKA_BROKERS and LIVETEST_NGROK_AUTHTOKEN.
package config
