package dispatch

import "time"

// Config holds the dispatcher configuration.
type Config struct {
	// ChunkSize is the number of items a chunk holds.
	ChunkSize int

	// MaxConcurrency bounds the number of chunks processed at once.
	MaxConcurrency int

	// MaxConnections is the number of connections requested per batch.
	MaxConnections int

	// ChunkTimeout is how long in-flight chunks may keep running after the
	// caller cancelled the run.
	ChunkTimeout time.Duration

	// ProgressEvery reports progress after this many recorded items.
	ProgressEvery int
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:      30,
		MaxConcurrency: 10,
		MaxConnections: 10,
		ChunkTimeout:   10 * time.Minute,
		ProgressEvery:  10,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = def.MaxConcurrency
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = def.ChunkTimeout
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = def.ProgressEvery
	}
	return c
}

// chunks splits items into consecutive slices of at most size items.
func chunks[T any](items []T, size int) [][]T {
	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}
