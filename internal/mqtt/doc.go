// Package mqtt connects catalogmatch to an MQTT broker. Completed batch
// outcomes are published to <prefix>/batches/<batch_id> for the
// surrounding application to persist, a retained status document is
// refreshed on <prefix>/status, and batch requests may be submitted on
// <prefix>/requests.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a birth message ("online") to the
// availability topic and re-subscribes to the request topic. A will
// message ensures the availability topic transitions to "offline" on
// unexpected disconnects.
package mqtt
