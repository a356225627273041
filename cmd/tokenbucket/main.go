// Command tokenbucket runs and demonstrates the token-bucket rate limiter.
//
// Usage:
//
//	# Serve the check API with per-route limits from a config file
//	tokenbucket serve --config limits.yaml
//
//	# Publish stats snapshots to Redis every 10s
//	tokenbucket serve --redis-addr localhost:6379
//
//	# Run the staggered and blocking demonstrations
//	tokenbucket demo
//
//	# Print the last snapshot a server published
//	tokenbucket stats --redis-addr localhost:6379 --instance web-1
package main

func main() {
	Execute()
}
