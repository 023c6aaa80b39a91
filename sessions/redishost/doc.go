// Package redishost implements sessions.Host on top of Redis so that the
// event stream and the submission endpoint can be served by different
// processes.
//
// Design Notes
//   - Liveness: one sorted set per key prefix; members are session ids and
//     scores are expiry times in milliseconds. Next refreshes the score, so a
//     session stays alive while its stream is being served.
//   - Queues: one list per session. Enqueue is a Lua script that checks
//     liveness and capacity before RPUSH so a full queue never grows.
//   - Waiting: Next uses BLPOP in slices of at most one second and checks
//     the context between slices.
//
// Example:
//
//	host, _ := redishost.New(redishost.Config{RedisAddr: "localhost:6379"})
//	defer host.Shutdown()
//
// Use memoryhost for a single process; use redishost when the registry has
// to be shared.
package redishost
