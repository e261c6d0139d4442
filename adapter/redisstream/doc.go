// Package redisstream provides a Redis Streams transport and subscription
// store for rebus.
//
// Transport name: "redis-streams"
//
// Every queue address is a stream. The input queue is read through one
// consumer group, so several processes sharing a queue compete for messages.
//
// Config keys:
//   - addr: "host:port" (default "127.0.0.1:6379")
//   - queue: input queue (stream) name, required
//   - group: consumer group name (default "rebus")
//   - consumer: consumer name (default "rebus-<host>-<pid>")
//   - auto_create: create group/stream if missing (default true)
//   - auto_delete_on_ack: XDEL after XACK (default false)
//   - dead_letter: stream receiving nacked messages (optional)
//   - max_len_approx: approximate MAXLEN applied on XADD (optional)
//   - claim_min_idle, claim_interval, claim_batch: re-claim pending entries
//     idle for longer than claim_min_idle (disabled when zero)
//
// Example builder usage:
//
//	bus, _ := rebus.NewBusBuilder().
//	    WithTransport(redisstream.TransportName, map[string]any{
//	        "addr":        "localhost:6379",
//	        "queue":       "payments",
//	        "group":       "payments",
//	        "dead_letter": "payments-dlq",
//	    }).
//	    WithNumberOfWorkers(4).
//	    Build()
package redisstream
