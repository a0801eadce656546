// Package correlation maps external request ids onto relay topics.
//
// Headless producers address the relay by (externalId, agentId), not by
// topic. The Mapper derives a stable topic id and synthetic chat
// coordinates from that pair, so retries and follow-ups land on the same
// conversation without the producer ever learning relay internals.
// Mappings persist in the store with a TTL and are refreshed on use.
package correlation
