package match

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/lobby/async"
	"github.com/cory-johannsen/lobby/internal/lobby/backend"
	"github.com/cory-johannsen/lobby/internal/lobby/conn"
	"github.com/cory-johannsen/lobby/internal/lobby/session"
	"github.com/cory-johannsen/lobby/internal/observability"
)

// SearchState is the state of the coordinator's single outstanding search.
type SearchState int

const (
	SearchIdle SearchState = iota
	SearchSearching
	SearchPinging
	SearchDone
	SearchFailed
)

// String returns a human-readable name for the search state.
func (s SearchState) String() string {
	switch s {
	case SearchIdle:
		return "Idle"
	case SearchSearching:
		return "Searching"
	case SearchPinging:
		return "Pinging"
	case SearchDone:
		return "Done"
	case SearchFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// FindCompletionFunc receives the outcome of a FindSessions call.
type FindCompletionFunc func(success bool)

// MatchCompletionFunc receives the outcome of a StartMatchmaking call, with
// the name of the session that was auto-joined on success.
type MatchCompletionFunc func(sessionName string, success bool)

// Coordinator runs the search → ping → select protocol. At most one search
// may be in progress system-wide; concurrent attempts fail fast. Completions
// of operations belonging to a cancelled search are delivered but suppressed
// by generation checks, never dropped.
//
// Public methods and completion delegates run on the goroutine that pumps
// the async queue.
type Coordinator struct {
	queue      *async.Queue
	contexts   *conn.Registry
	controller *session.Controller
	client     backend.Client
	events     session.Events
	policy     Policy
	clk        clock.Clock
	logger     *zap.Logger
	metrics    *observability.Metrics

	maxResults   int
	pollInterval time.Duration
	pingDeadline time.Duration

	// pingCache keeps recent QoS samples by room address so repeat searches
	// skip redundant pings.
	pingCache *lru.Cache[string, time.Duration]

	// mu guards the fields below; the ping watcher reads them from its own
	// goroutine.
	mu          sync.Mutex
	state       SearchState
	gen         uint64
	results     []SearchResult
	matchmaking bool
	userID      string
	sessionName string
	findDone    FindCompletionFunc
	matchDone   MatchCompletionFunc
}

// NewCoordinator creates a matchmaking coordinator.
//
// Precondition: queue, contexts, controller, client, and logger must be
// non-nil. A nil policy uses MostPopulatedPolicy; a nil clk uses the real
// clock; events and metrics may be nil.
func NewCoordinator(
	queue *async.Queue,
	contexts *conn.Registry,
	controller *session.Controller,
	client backend.Client,
	events session.Events,
	policy Policy,
	clk clock.Clock,
	logger *zap.Logger,
	metrics *observability.Metrics,
	cfg config.MatchmakingConfig,
) (*Coordinator, error) {
	if events == nil {
		events = session.NopEvents{}
	}
	if policy == nil {
		policy = MostPopulatedPolicy{}
	}
	if clk == nil {
		clk = clock.New()
	}
	cache, err := lru.New[string, time.Duration](cfg.PingCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating ping cache: %w", err)
	}
	return &Coordinator{
		queue:        queue,
		contexts:     contexts,
		controller:   controller,
		client:       client,
		events:       events,
		policy:       policy,
		clk:          clk,
		logger:       logger,
		metrics:      metrics,
		maxResults:   cfg.MaxResults,
		pollInterval: cfg.PingPollInterval,
		pingDeadline: cfg.PingDeadline,
		pingCache:    cache,
	}, nil
}

// State returns the current search state.
func (c *Coordinator) State() SearchState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Results returns a copy of the current search results.
func (c *Coordinator) Results() []SearchResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SearchResult, len(c.results))
	copy(out, c.results)
	return out
}

// FindSessions searches for joinable sessions and pings every result. The
// delegate fires once the ping phase settles; Results then holds the listing
// for the caller to pick from.
//
// Requires a Started context and a resolved world partition: when the
// partition is unknown, discovery is kicked and this call fails fast so the
// caller can retry.
func (c *Coordinator) FindSessions(userID string, q Query, done FindCompletionFunc) bool {
	if done == nil {
		done = func(bool) {}
	}
	return c.beginSearch(userID, "", q, false, done, nil)
}

// StartMatchmaking runs the same search and ping flow and then auto-joins
// the candidate chosen by the policy, registering it locally under
// sessionName. Finding no joinable candidate completes as failed-to-matchmake
// rather than a hard error; the caller is responsible for falling back to
// hosting.
func (c *Coordinator) StartMatchmaking(userID, sessionName string, q Query, done MatchCompletionFunc) bool {
	if done == nil {
		done = func(string, bool) {}
	}
	return c.beginSearch(userID, sessionName, q, true, nil, done)
}

func (c *Coordinator) beginSearch(userID, sessionName string, q Query, matchmaking bool, findDone FindCompletionFunc, matchDone MatchCompletionFunc) bool {
	c.mu.Lock()
	if c.state == SearchSearching || c.state == SearchPinging {
		c.mu.Unlock()
		c.logger.Warn("search rejected: one already in progress")
		c.failFast(matchmaking, findDone, matchDone)
		return false
	}

	world, resolved := c.contexts.CachedWorld()
	if !resolved {
		c.mu.Unlock()
		c.logger.Info("search rejected: world not resolved, kicking discovery")
		c.contexts.GetOrCreate(userID)
		c.contexts.KickDiscovery(userID)
		c.failFast(matchmaking, findDone, matchDone)
		return false
	}

	c.state = SearchSearching
	c.gen++
	gen := c.gen
	c.results = nil
	c.matchmaking = matchmaking
	c.userID = userID
	c.sessionName = sessionName
	c.findDone = findDone
	c.matchDone = matchDone
	c.mu.Unlock()

	max := q.MaxResults
	if max <= 0 || max > c.maxResults {
		max = c.maxResults
	}
	query := backend.SearchQuery{MaxResults: max, Attributes: q.Attributes}

	c.contexts.GetOrCreate(userID)
	_, err := c.queue.Submit(async.Operation{
		Kind: async.KindSearchRooms,
		Run: func(ctx context.Context) (any, error) {
			handle, err := c.contexts.Await(ctx, userID)
			if err != nil {
				return nil, err
			}
			return c.client.SearchRooms(ctx, handle, world, query)
		},
		Complete: func(result any, err error) {
			c.completeSearch(gen, result, err)
		},
	})
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.state = SearchFailed
			c.findDone = nil
			c.matchDone = nil
		}
		c.mu.Unlock()
		c.failFast(matchmaking, findDone, matchDone)
		return false
	}
	return true
}

// failFast reports a synchronous rejection through the delegate channel.
func (c *Coordinator) failFast(matchmaking bool, findDone FindCompletionFunc, matchDone MatchCompletionFunc) {
	if matchmaking {
		if matchDone != nil {
			matchDone("", false)
		}
		return
	}
	if findDone != nil {
		findDone(false)
	}
}

// completeSearch runs on the pump goroutine when the search operation lands.
func (c *Coordinator) completeSearch(gen uint64, result any, err error) {
	c.mu.Lock()
	if c.gen != gen || c.state != SearchSearching {
		// Cancelled or superseded; the completion is a no-op.
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.logger.Warn("session search failed", zap.Error(err))
		c.finishLocked("search_failed", "", false)
		return
	}

	list := result.(backend.RoomList)
	// The listing is externally supplied and untrusted: bound iteration by
	// the server-reported count so a circular Next chain cannot hang us.
	count := 0
	for node := list.Head; node != nil && count < list.ReportedCount; node = node.Next {
		if len(c.results) >= c.maxResults {
			break
		}
		c.results = append(c.results, SearchResult{Room: node.Info})
		count++
	}
	c.logger.Info("session search returned",
		zap.Int("reported", list.ReportedCount),
		zap.Int("kept", len(c.results)),
	)

	if len(c.results) == 0 {
		if c.matchmaking {
			// No candidates is not a hard error for matchmaking; the caller
			// falls back to hosting.
			c.finishLocked("no_candidates", "", false)
			return
		}
		c.finishLocked("find_ok", "", true)
		return
	}

	c.state = SearchPinging
	results := c.results
	c.mu.Unlock()

	// One ping per result, all submitted together. Cached samples short-cut
	// straight to a settled entry.
	for i := range results {
		addr := results[i].Room.Address
		key := addr.String()
		if rtt, ok := c.pingCache.Get(key); ok {
			c.recordPing(gen, i, rtt, nil)
			continue
		}
		idx := i
		_, err := c.queue.Submit(async.Operation{
			Kind: async.KindPingCandidate,
			Run: func(ctx context.Context) (any, error) {
				return c.client.PingRoom(ctx, addr)
			},
			Complete: func(result any, err error) {
				var rtt time.Duration
				if err == nil {
					rtt = result.(time.Duration)
				}
				c.recordPing(gen, idx, rtt, err)
			},
		})
		if err != nil {
			c.recordPing(gen, idx, 0, err)
		}
	}

	// A dedicated parallel task polls for the phase to settle instead of
	// chaining a callback on every ping.
	_, err = c.queue.Parallel(async.KindWatch,
		func(ctx context.Context) (any, error) {
			ticker := c.clk.Ticker(c.pollInterval)
			defer ticker.Stop()
			deadline := c.clk.Now().Add(c.pingDeadline)
			for {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-ticker.C:
				}
				if c.pingsSettled(gen) || c.clk.Now().After(deadline) {
					return nil, nil
				}
			}
		},
		func(_ any, err error) {
			c.finishPingPhase(gen)
		},
	)
	if err != nil {
		// Queue shut down mid-search; settle immediately with what we have.
		c.finishPingPhase(gen)
	}
}

// recordPing stores one QoS sample. Errors record the sentinel latency so
// the ping phase always terminates.
func (c *Coordinator) recordPing(gen uint64, idx int, rtt time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || idx >= len(c.results) || c.results[idx].Sampled {
		return
	}
	if err != nil {
		c.results[idx].Ping = SentinelPing
		c.results[idx].Sampled = true
		return
	}
	c.results[idx].Ping = rtt
	c.results[idx].Sampled = true
	c.pingCache.Add(c.results[idx].Room.Address.String(), rtt)
}

// pingsSettled reports whether every result has a sample. A stale
// generation counts as settled so the watcher exits promptly after a cancel.
func (c *Coordinator) pingsSettled(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return true
	}
	for _, r := range c.results {
		if !r.Sampled {
			return false
		}
	}
	return true
}

// finishPingPhase runs on the pump goroutine once the watcher settles.
func (c *Coordinator) finishPingPhase(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != SearchPinging {
		c.mu.Unlock()
		return
	}
	// Deadline expiry may leave unsampled entries; sentinel them.
	for i := range c.results {
		if !c.results[i].Sampled {
			c.results[i].Ping = SentinelPing
			c.results[i].Sampled = true
		}
	}

	if !c.matchmaking {
		c.finishLocked("find_ok", "", true)
		return
	}

	results := make([]SearchResult, len(c.results))
	copy(results, c.results)
	userID := c.userID
	sessionName := c.sessionName
	matchDone := c.matchDone
	c.mu.Unlock()

	idx, ok := c.policy.Select(results)
	if !ok {
		c.mu.Lock()
		if c.gen == gen {
			c.finishLocked("no_candidates", "", false)
		} else {
			c.mu.Unlock()
		}
		return
	}
	chosen := results[idx]
	c.logger.Info("matchmaking candidate selected",
		zap.Stringer("room", chosen.Room.Address),
		zap.Int("open_public_slots", chosen.Room.OpenPublicSlots),
		zap.Duration("ping", chosen.Ping),
	)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state = SearchDone
	c.findDone = nil
	c.matchDone = nil
	c.mu.Unlock()

	c.controller.JoinSession(userID, sessionName, chosen.Room, func(res session.JoinResult) {
		success := res == session.JoinSuccess
		outcome := "matched"
		if !success {
			outcome = "join_failed"
		}
		c.metrics.MatchOutcome(outcome)
		if matchDone != nil {
			matchDone(sessionName, success)
		}
		c.events.OnMatchmakingComplete(sessionName, success)
	})
}

// finishLocked completes the current search. Called with mu held; releases it.
func (c *Coordinator) finishLocked(outcome, sessionName string, success bool) {
	if success {
		c.state = SearchDone
	} else {
		c.state = SearchFailed
	}
	matchmaking := c.matchmaking
	findDone := c.findDone
	matchDone := c.matchDone
	c.findDone = nil
	c.matchDone = nil
	c.mu.Unlock()

	c.metrics.MatchOutcome(outcome)
	if matchmaking {
		if matchDone != nil {
			matchDone(sessionName, success)
		}
		c.events.OnMatchmakingComplete(sessionName, success)
		return
	}
	if findDone != nil {
		findDone(success)
	}
	c.events.OnFindSessionsComplete(success)
}

// CancelMatchmaking abandons the in-progress search, if any. Best-effort:
// operations already handed to workers are not interrupted; their
// completions are suppressed by the generation bump. The pending delegate
// fires once, with failure.
func (c *Coordinator) CancelMatchmaking() {
	c.mu.Lock()
	if c.state != SearchSearching && c.state != SearchPinging {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.state = SearchIdle
	matchmaking := c.matchmaking
	findDone := c.findDone
	matchDone := c.matchDone
	c.findDone = nil
	c.matchDone = nil
	c.results = nil
	c.mu.Unlock()

	c.logger.Info("search cancelled")
	c.metrics.MatchOutcome("cancelled")
	if matchmaking {
		if matchDone != nil {
			matchDone("", false)
		}
		c.events.OnMatchmakingComplete("", false)
		return
	}
	if findDone != nil {
		findDone(false)
	}
	c.events.OnFindSessionsComplete(false)
}
