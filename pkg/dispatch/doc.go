// Package dispatch runs a lookup batch across a set of rate-limited
// connections.
//
// The input is split into fixed-size chunks. Chunk i is assigned to
// connection i mod K, so every connection works through its own lane of
// chunks strictly in order. A weighted semaphore sized min(MaxConcurrency, K)
// bounds how many chunks are in their lookup phase at once.
//
// Example usage:
//
//	d := dispatch.New(pool, controller, batches, results, dispatch.DefaultConfig())
//	report, err := d.Process(ctx, dispatch.Input{
//		OwnerID:    42,
//		SourceName: "numbers.csv",
//		Items:      table.Items(phone.DefaultRules),
//	})
//
// Per item, the dispatcher:
//   - records invalid identifiers as not found without a remote call
//   - serves fresh answers from the result cache when one is configured
//   - retries rate-limited lookups after the mandated cooldown, uncapped
//   - reconnects dropped sessions a bounded number of times
//   - records any other failure as not found
//
// A batch whose run produced no result is marked failed.
package dispatch
