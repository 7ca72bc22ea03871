package dispatch

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/lookup-checker/pkg/connpool"
	"github.com/Sternrassler/lookup-checker/pkg/model"
	"github.com/Sternrassler/lookup-checker/pkg/remote"
)

type chunkOutcome int

const (
	chunkDone chunkOutcome = iota
	chunkAbandoned
	laneDead
)

// processChunk looks up the items of one chunk sequentially on conn.
func (r *run) processChunk(ctx context.Context, logger zerolog.Logger, conn *connpool.Connection, chunk []model.LookupItem) chunkOutcome {
	credID := conn.CredentialID()

	for i := 0; i < len(chunk); {
		item := chunk[i]

		if !item.Valid {
			r.record(logger, item, remote.Match{}, outcomeInvalid)
			i++
			continue
		}

		if m, ok := r.cached(ctx, logger, item.Identifier); ok {
			r.record(logger, item, m, outcomeCached)
			i++
			continue
		}

		if err := r.d.pacer.BeforeCall(ctx, credID); err != nil {
			r.abandonChunk(logger, chunk[i:], err)
			return chunkAbandoned
		}

		match, err := conn.Lookup(ctx, item.Identifier)
		switch remote.Classify(err) {
		case "":
			r.store(ctx, logger, item.Identifier, match)
			outcome := outcomeNotFound
			if match.Found {
				outcome = outcomeFound
			}
			r.record(logger, item, match, outcome)
			i++

		case remote.ErrorClassRateLimit:
			wait, _ := remote.RetryAfter(err)
			if err := r.d.pacer.OnRateLimited(ctx, credID, wait); err != nil {
				r.abandonChunk(logger, chunk[i:], err)
				return chunkAbandoned
			}

		case remote.ErrorClassConnection:
			err := r.d.pacer.OnDisconnect(ctx, credID, func(ctx context.Context) error {
				return r.d.pool.Reconnect(ctx, conn)
			})
			if err == nil {
				continue
			}
			if errors.Is(err, remote.ErrFatalAuth) {
				r.invalidate(logger, conn, err)
				r.abandonChunk(logger, chunk[i:], err)
				return laneDead
			}
			r.abandonChunk(logger, chunk[i:], err)
			return chunkAbandoned

		case remote.ErrorClassFatalAuth:
			r.invalidate(logger, conn, err)
			r.abandonChunk(logger, chunk[i:], err)
			return laneDead

		case remote.ErrorClassCancelled:
			r.abandonChunk(logger, chunk[i:], err)
			return chunkAbandoned

		default:
			logger.Warn().
				Err(err).
				Str("identifier", item.Identifier).
				Msg("Lookup failed, recording as not found")
			r.record(logger, item, remote.Match{}, outcomeError)
			i++
		}
	}
	return chunkDone
}

func (r *run) record(logger zerolog.Logger, item model.LookupItem, m remote.Match, outcome string) {
	res := model.LookupResult{
		Identifier: item.Key(),
		Label:      item.Label,
		Found:      m.Found,
		RemoteID:   m.RemoteID,
		Handle:     m.Handle,
	}
	if err := r.agg.Record(r.persistCtx, res); err != nil {
		logger.Error().Err(err).Str("identifier", res.Identifier).Msg("Failed to record result")
	}
	lookupsTotal.WithLabelValues(outcome).Inc()

	if r.tick() {
		r.report(r.persistCtx)
	}
}

func (r *run) cached(ctx context.Context, logger zerolog.Logger, identifier string) (remote.Match, bool) {
	if r.d.cache == nil {
		return remote.Match{}, false
	}
	m, ok, err := r.d.cache.Lookup(ctx, identifier)
	if err != nil {
		logger.Debug().Err(err).Msg("Result cache lookup failed")
		return remote.Match{}, false
	}
	return m, ok
}

func (r *run) store(ctx context.Context, logger zerolog.Logger, identifier string, m remote.Match) {
	if r.d.cache == nil {
		return
	}
	if err := r.d.cache.Store(ctx, identifier, m); err != nil {
		logger.Debug().Err(err).Msg("Result cache store failed")
	}
}

func (r *run) invalidate(logger zerolog.Logger, conn *connpool.Connection, cause error) {
	if err := r.d.pool.Invalidate(r.persistCtx, conn, cause.Error()); err != nil {
		logger.Error().Err(err).Msg("Failed to invalidate connection")
	}
}

func (r *run) abandonChunk(logger zerolog.Logger, rest []model.LookupItem, cause error) {
	abandonedItemsTotal.Add(float64(len(rest)))
	logger.Warn().
		Err(cause).
		Int("items", len(rest)).
		Msg("Abandoning rest of chunk")
}
