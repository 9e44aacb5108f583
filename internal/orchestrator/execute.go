package orchestrator

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/modelherd/herd/internal/backend"
	"github.com/modelherd/herd/internal/balancer"
	"github.com/modelherd/herd/internal/breaker"
	"github.com/modelherd/herd/internal/errclass"
	"github.com/modelherd/herd/internal/errors"
	"github.com/modelherd/herd/internal/logging"
	"github.com/modelherd/herd/internal/metrics"
	"github.com/modelherd/herd/internal/proxy"
	"github.com/modelherd/herd/internal/queue"
	"github.com/modelherd/herd/internal/upstream"
)

// Request is one inbound inference call, already resolved by the HTTP
// layer: model extracted, pin suffix stripped, body buffered.
type Request struct {
	// Model is the fleet-wide model name the request targets.
	Model string
	// PinnedID restricts routing to a single backend when non-empty.
	PinnedID string

	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte

	Streaming bool
	// ClientID keys sticky round-robin sessions.
	ClientID string
	// Priority orders queue waits; higher wakes first.
	Priority int
	// Debug mirrors the routing decision into response headers.
	Debug bool
}

// Decision records where a request went and why, for debug headers,
// access logs, and tests.
type Decision struct {
	BackendID           string
	ServerCircuit       string
	ModelCircuit        string
	AvailableServers    int
	RoutedToOpenCircuit bool
	Retries             int
	Algorithm           string
}

// WriteDebugHeaders mirrors a routing decision into response headers.
// The server layer calls it for requests carrying X-Include-Debug-Info.
func WriteDebugHeaders(h http.Header, d Decision) {
	h.Set("X-Selected-Server", d.BackendID)
	h.Set("X-Server-Circuit-State", d.ServerCircuit)
	h.Set("X-Model-Circuit-State", d.ModelCircuit)
	h.Set("X-Available-Servers", strconv.Itoa(d.AvailableServers))
	h.Set("X-Routed-To-Open-Circuit", strconv.FormatBool(d.RoutedToOpenCircuit))
	h.Set("X-Retry-Count", strconv.Itoa(d.Retries))
}

// Execute routes one inference request: filter candidates, score, admit,
// check the breaker, proxy, record the outcome, and fail over to the
// next candidate on retryable errors up to the retry budget. A nil
// error means the response (including an upstream-originated error
// body) was written to w. Streaming requests never retry once a byte
// has left for the client.
func (o *Orchestrator) Execute(ctx context.Context, w http.ResponseWriter, req *Request) (Decision, *errors.APIError) {
	var dec Decision
	if o.draining.Load() {
		return dec, errors.ErrDraining
	}
	cfg := o.Config()

	// Pairs, bans, and breakers key on the normalized name; fold the
	// client's casing once so control-plane state always matches.
	req.Model = backend.NormalizeModel(req.Model)

	if req.Streaming && o.streamSem != nil {
		if !o.streamSem.TryAcquire(1) {
			return dec, errors.ErrTooManyStreams
		}
		defer o.streamSem.Release(1)
	}

	cands, apiErr := o.candidatesFor(req)
	if apiErr != nil {
		return dec, apiErr
	}
	dec.AvailableServers = len(cands)

	// Budget counts extra attempts beyond the first.
	budget := cfg.Retry.MaxRetriesPerServer
	if m := len(cands) - 1; m < budget {
		budget = m
	}
	if budget < 0 {
		budget = 0
	}

	var (
		lastErr    *errors.APIError
		lastReject breaker.Decision
		attempts   int
		delay      = cfg.Retry.RetryDelay
	)

	for len(cands) > 0 {
		sel, err := o.balancer.Select(o.buildCandidates(cands, req), balancer.Request{
			Model:     req.Model,
			Streaming: req.Streaming,
			ClientID:  req.ClientID,
		})
		if err != nil {
			break
		}
		b := pickBackend(cands, sel.ID)
		if b == nil {
			break
		}
		pair := backend.Pair{BackendID: b.ID(), Model: req.Model}

		// Admission check on the breaker. A rejection drops the
		// candidate without charging the breaker and without burning
		// a retry.
		probe := false
		if cfg.EnableCircuitBreaker {
			d := o.breakers.Allow(pair)
			if !d.Admit {
				lastReject = d
				cands = dropBackend(cands, b.ID())
				continue
			}
			probe = d.Probe
		}

		dec.BackendID = b.ID()
		dec.ServerCircuit = o.serverCircuit(b.ID())
		dec.ModelCircuit = o.breakers.State(pair).String()
		dec.RoutedToOpenCircuit = probe
		dec.Retries = attempts
		dec.Algorithm = sel.Algorithm

		release, admitErr := o.admit(ctx, b, pair, probe, req.Priority)
		if admitErr != nil {
			// Admission failures are about fleet capacity, not this
			// candidate; trying the next one would just queue twice.
			return dec, admitErr
		}

		if req.Debug {
			WriteDebugHeaders(w.Header(), dec)
		}

		res := o.forward(ctx, w, b, pair, req)
		release()
		attempts++

		if res.Err == nil {
			o.recordSuccess(pair, b, res, req.Streaming)
			return dec, nil
		}

		apiErr, retryable := o.recordFailure(pair, res)
		if apiErr == nil {
			// Bytes already reached the client, or the client is
			// gone: the response ends as-is, nothing more to write.
			return dec, nil
		}
		lastErr = apiErr
		if !retryable || attempts > budget {
			return dec, apiErr
		}

		logging.Warn("failing over to next candidate",
			zap.String("backend", b.ID()),
			zap.String("model", req.Model),
			zap.Int("attempt", attempts),
			zap.String("error", apiErr.Message))

		cands = dropBackend(cands, b.ID())
		if len(cands) == 0 || delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return dec, lastErr
		case <-t.C:
		}
		delay = time.Duration(float64(delay) * cfg.Retry.BackoffMultiplier)
		if max := cfg.Retry.MaxRetryDelay; max > 0 && delay > max {
			delay = max
		}
	}

	switch {
	case lastErr != nil:
		return dec, errors.ErrAllServersFailed.WithDetails(lastErr.Message)
	case lastReject.Reason != "":
		return dec, breakerReject(lastReject)
	default:
		return dec, errors.ErrNoServerAvailable
	}
}

// candidatesFor returns the backends eligible for the request after
// every static filter. Failure causes are ranked so the client sees the
// most actionable error: pin problems, then unknown model, then breaker
// exhaustion, then plain unavailability.
func (o *Orchestrator) candidatesFor(req *Request) ([]*backend.Backend, *errors.APIError) {
	cfg := o.Config()
	if o.inventory.Len() == 0 {
		return nil, errors.ErrNoServerAvailable.WithDetails("no backends registered")
	}

	var pool []*backend.Backend
	if req.PinnedID != "" {
		b, ok := o.inventory.Get(req.PinnedID)
		if !ok {
			return nil, errors.ErrBadRequest.WithDetails("unknown backend: " + req.PinnedID)
		}
		// A pin skips the model-advertisement filter: the caller named
		// the backend, which may load the model on demand. Operational
		// filters still apply below.
		pool = []*backend.Backend{b}
	} else {
		pool = o.inventory.ServersForModel(req.Model)
		if len(pool) == 0 {
			return nil, errors.ErrModelNotFound.WithDetails("model " + req.Model + " is not available on any backend")
		}
	}

	out := make([]*backend.Backend, 0, len(pool))
	blockedByBreaker := 0
	for _, b := range pool {
		pair := backend.Pair{BackendID: b.ID(), Model: req.Model}
		if !b.AcceptingRequests() || o.bans.Banned(pair) || o.cooldowns.InCooldown(pair) {
			continue
		}
		if cfg.EnableCircuitBreaker && !o.wouldAllow(pair) {
			blockedByBreaker++
			continue
		}
		out = append(out, b)
	}
	if len(out) == 0 {
		if blockedByBreaker > 0 {
			return nil, errors.ErrCircuitOpen
		}
		if req.PinnedID != "" {
			return nil, errors.ErrNoServerAvailable.WithDetails("pinned backend is not accepting requests")
		}
		return nil, errors.ErrNoServerAvailable
	}
	return out, nil
}

// wouldAllow mirrors Registry.Allow without consuming a probe slot, so
// candidate filtering cannot eat half-open capacity.
func (o *Orchestrator) wouldAllow(pair backend.Pair) bool {
	if o.breakers.BackendBlocked(pair.BackendID) {
		return false
	}
	br, ok := o.breakers.Peek(pair)
	if !ok {
		return true
	}
	snap := br.Snapshot()
	if snap.State != breaker.StateOpen.String() {
		return true
	}
	// Open but due for a probe: keep the candidate so Allow can admit
	// the trial request.
	return !snap.NextRetryAt.IsZero() && !time.Now().Before(snap.NextRetryAt)
}

// serverCircuit summarizes the backend-level block for debug headers.
func (o *Orchestrator) serverCircuit(backendID string) string {
	if o.breakers.BackendBlocked(backendID) {
		return "escalated"
	}
	return "normal"
}

// breakerReject maps an admission rejection to the client-facing error.
// None of these are ever charged to the breaker.
func breakerReject(d breaker.Decision) *errors.APIError {
	switch {
	case strings.Contains(d.Reason, "half-open"):
		return errors.ErrHalfOpenExhausted
	case strings.Contains(d.Reason, "escalated"):
		return errors.ErrCircuitOpen.WithDetails(d.Reason)
	default:
		return errors.ErrCircuitOpen
	}
}

// admit reserves an in-flight slot for the pair, waiting on the queue
// while the backend is saturated. Probe traffic bypasses the public cap
// so a half-open trial cannot be starved by a full queue. The returned
// release must be called exactly once.
func (o *Orchestrator) admit(ctx context.Context, b *backend.Backend, pair backend.Pair, probe bool, priority int) (func(), *errors.APIError) {
	cfg := o.Config()

	// A freed slot opens capacity, so every release wakes one queued
	// waiter for an admission retry. Probes count toward the backend
	// total too.
	if probe {
		o.inflight.AcquireBypass(pair)
		return func() {
			o.inflight.ReleaseBypass(pair)
			o.queue.Wake()
		}, nil
	}

	maxc := b.MaxConcurrency()
	release := func() {
		o.inflight.Release(pair)
		o.queue.Wake()
	}

	if o.inflight.TryAcquire(pair, maxc) {
		return release, nil
	}
	if !cfg.EnableQueue {
		return nil, errors.ErrNoServerAvailable.WithDetails("backend at capacity")
	}

	// A wake delivers each ticket at most once, so saturation is a
	// loop: enqueue, wait, retry the acquire, under one overall
	// deadline.
	waitCtx := ctx
	if cfg.Queue.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, cfg.Queue.Timeout)
		defer cancel()
	}
	for {
		t, err := o.queue.Enqueue(pair.Model, priority)
		if err != nil {
			switch err {
			case queue.ErrFull:
				return nil, errors.ErrQueueFull
			case queue.ErrClosed:
				return nil, errors.ErrDraining
			default:
				return nil, errors.ErrNoServerAvailable.WithDetails(err.Error())
			}
		}
		err = t.Wait(waitCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrap(ctx.Err(), http.StatusServiceUnavailable, "request cancelled while queued")
			}
			switch err {
			case queue.ErrClosed:
				return nil, errors.ErrDraining
			default:
				// Ticket deadline or the overall wait deadline.
				return nil, errors.ErrQueueTimeout
			}
		}
		if o.inflight.TryAcquire(pair, maxc) {
			return release, nil
		}
		// Woken but lost the acquire race; queue up again.
	}
}

// forward proxies the request to one backend with the pair's learned
// timeout bounding both the connection and activity phases.
func (o *Orchestrator) forward(ctx context.Context, w http.ResponseWriter, b *backend.Backend, pair backend.Pair, req *Request) proxy.Result {
	cfg := o.Config()
	to := o.timeouts.For(pair, req.Streaming)
	activity := to
	if req.Streaming && cfg.Streaming.Timeout > 0 {
		activity = cfg.Streaming.Timeout
	}

	preq := proxy.Request{
		Method:    req.Method,
		Path:      req.Path,
		RawQuery:  req.RawQuery,
		Header:    req.Header,
		Body:      req.Body,
		BaseURL:   b.BaseURL(),
		APIKey:    b.APIKey(),
		Streaming: req.Streaming,
	}
	if req.Streaming && cfg.Streaming.BackgroundListen > 0 {
		preq.OnBackground = o.backgroundHook(pair)
	}
	return o.proxy.Forward(ctx, w, preq, proxy.Timeouts{Connection: to, Activity: activity})
}

// recordSuccess feeds one finished request into the learning loops.
func (o *Orchestrator) recordSuccess(pair backend.Pair, b *backend.Backend, res proxy.Result, streaming bool) {
	cfg := o.Config()
	b.SetLastResponseTime(res.Duration)
	o.timeouts.RecordSuccess(pair, res.Duration)
	if cfg.EnableCircuitBreaker {
		o.breakers.OnSuccess(pair, res.Duration)
		metrics.SetBreakerState(pair, float64(o.breakers.State(pair)))
	}
	if cfg.EnableMetrics {
		o.metrics.RecordRequest(pair, res.Duration, int64(res.EvalCount), int64(res.PromptEvalCount))
		if streaming {
			if res.TTFT > 0 {
				o.metrics.RecordFirstToken(pair, res.TTFT)
			}
			o.metrics.RecordStreamDuration(pair, res.Duration)
		}
	}
}

// recordFailure classifies a failed attempt, updates breaker, cooldown,
// and metrics, and maps it to the client-facing error. A nil error with
// any retryable value means the response already started (or the client
// left) and the caller must end the exchange as-is.
func (o *Orchestrator) recordFailure(pair backend.Pair, res proxy.Result) (*errors.APIError, bool) {
	cfg := o.Config()

	if res.TimedOut {
		o.timeouts.RecordTimeout(pair)
	}

	// A client that disconnected before upstream produced anything
	// consumed no backend resources; nothing to record.
	if res.ClientGone && res.Status == 0 {
		return nil, false
	}

	cls := o.classifier.Classify(res.Err, res.Status)
	if cfg.EnableMetrics {
		o.metrics.RecordError(pair, string(cls.Type))
	}
	// Every backend-attributable failure reaches the breaker; it weighs
	// shouldCircuitBreak and error rate itself. Client disconnects and
	// call-shape mismatches say nothing about backend health.
	if cfg.EnableCircuitBreaker && !res.ClientGone && cls.Category != errclass.CategoryCompatibility {
		o.breakers.OnFailure(pair, cls)
		metrics.SetBreakerState(pair, float64(o.breakers.State(pair)))
	}
	if cls.Permanent {
		o.cooldowns.Mark(pair)
	}

	if res.WroteHeader || res.ClientGone {
		return nil, false
	}
	return o.failureError(res), cls.Retryable
}

// failureError maps a proxy failure to the boundary taxonomy: 504 for
// timeouts, mirrored status for upstream HTTP errors where safe, 502
// otherwise.
func (o *Orchestrator) failureError(res proxy.Result) *errors.APIError {
	if res.TimedOut {
		return errors.ErrUpstreamTimeout
	}
	if ue, ok := res.Err.(*upstream.Error); ok {
		switch {
		case ue.Status == http.StatusNotFound:
			return errors.ErrModelNotFound.WithDetails(ue.Message)
		case ue.Status == http.StatusTooManyRequests:
			return errors.ErrTooManyRequests.WithDetails(ue.Message)
		case ue.Status == http.StatusBadGateway,
			ue.Status == http.StatusServiceUnavailable,
			ue.Status == http.StatusGatewayTimeout:
			return errors.New(ue.Status, "upstream error").WithDetails(ue.Message)
		case ue.Status >= 500:
			return errors.ErrBadGateway.WithDetails(ue.Message)
		case ue.Status >= 400:
			return errors.ErrBadRequest.WithDetails(ue.Message)
		}
	}
	if res.Err != nil {
		return errors.ErrBadGateway.WithDetails(res.Err.Error())
	}
	return errors.ErrBadGateway
}

// backgroundHook feeds a detached drain's outcome back into the
// learning loops once the upstream finishes on its own.
func (o *Orchestrator) backgroundHook(pair backend.Pair) func(time.Duration, bool) {
	return func(total time.Duration, completed bool) {
		if !completed {
			logging.Debug("background listen gave up",
				zap.String("backend", pair.BackendID),
				zap.String("model", pair.Model),
				zap.Duration("after", total))
			return
		}
		cfg := o.Config()
		o.timeouts.RecordSuccess(pair, total)
		// TODO: decide whether a late success should keep healing the
		// breaker by default; the client saw a timeout even though the
		// upstream finished. Opt out via background_feed_breaker.
		if cfg.EnableCircuitBreaker && cfg.Streaming.BackgroundFeedBreaker {
			o.breakers.OnSuccess(pair, total)
			metrics.SetBreakerState(pair, float64(o.breakers.State(pair)))
		}
		logging.Info("upstream completed after client-side timeout",
			zap.String("backend", pair.BackendID),
			zap.String("model", pair.Model),
			zap.Duration("total", total))
	}
}

// buildCandidates assembles the balancer's view of each eligible
// backend from inventory, in-flight, metrics, breaker, and timeout
// state.
func (o *Orchestrator) buildCandidates(pool []*backend.Backend, req *Request) []balancer.Candidate {
	cands := make([]balancer.Candidate, 0, len(pool))
	for _, b := range pool {
		pair := backend.Pair{BackendID: b.ID(), Model: req.Model}
		c := balancer.Candidate{
			ID:             b.ID(),
			Healthy:        b.Healthy(),
			MaxConcurrency: b.MaxConcurrency(),
			InFlight:       o.inflight.BackendInFlight(b.ID()),
			PairInFlight:   o.inflight.PairInFlight(pair),
			LastResponseMs: float64(b.LastResponseTime().Milliseconds()),
			BreakerState:   o.breakers.State(pair),
			CurrentTimeout: o.timeouts.For(pair, req.Streaming),
		}
		if br, ok := o.breakers.Peek(pair); ok {
			c.BreakerFailures = br.Snapshot().FailureCount
		}
		if snap, ok := o.metrics.Get(pair); ok {
			c.HasMetrics = true
			c.P95Ms = snap.P95LatencyMs
			c.SuccessRate = snap.SuccessRate
			c.TTFTAvgMs = snap.AvgTTFTMs
			c.TTFTP95Ms = snap.P95TTFTMs
			c.StreamDurAvgMs = snap.AvgStreamDurationMs
		}
		if ewma, ok := o.metrics.EWMALatencyMs(pair); ok && ewma > 0 {
			c.LastResponseMs = ewma
		}
		cands = append(cands, c)
	}
	return cands
}

func pickBackend(pool []*backend.Backend, id string) *backend.Backend {
	for _, b := range pool {
		if b.ID() == id {
			return b
		}
	}
	return nil
}

func dropBackend(pool []*backend.Backend, id string) []*backend.Backend {
	out := pool[:0]
	for _, b := range pool {
		if b.ID() != id {
			out = append(out, b)
		}
	}
	return out
}
