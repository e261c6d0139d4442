package redisstream

// Stream entry fields.
const (
	fieldBody       = "body" // raw []byte, no base64
	fieldMetaPrefix = "meta:"
	fieldError      = "error"
	fieldSourceID   = "source_id"
	fieldSource     = "source_stream"
)

// DefaultSubscriptionPrefix prefixes the Redis set holding the subscribers of one message type.
const DefaultSubscriptionPrefix = "rebus:subscriptions:"
