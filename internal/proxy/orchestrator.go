// Package proxy implements the request orchestrator: the state machine that
// takes an authenticated chat completion from expansion through credential
// failover to the relayed response, and accounts for it in the request log.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gproxy/gproxy/internal/logrec"
	"github.com/gproxy/gproxy/internal/pool"
	"github.com/gproxy/gproxy/internal/preset"
	"github.com/gproxy/gproxy/internal/rewrite"
	"github.com/gproxy/gproxy/internal/store"
	"github.com/gproxy/gproxy/internal/upstream"
	"github.com/gproxy/gproxy/internal/vars"
	"github.com/gproxy/gproxy/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const maxRequestBody = 10 << 20

// Options tune the orchestrator's retry and timeout behavior.
type Options struct {
	// MaxAttempts caps dispatch attempts per request across credential
	// failovers.
	MaxAttempts int
	// AttemptTimeout bounds one upstream call.
	AttemptTimeout time.Duration
	// RequestTimeout bounds the whole request across all attempts.
	RequestTimeout time.Duration
	// DefaultModel receives requests whose model is empty or gpt-prefixed.
	DefaultModel string
	// Models is the catalog served on /v1/models.
	Models []string
	// RandomSeed, when non-zero, seeds every request's variable scope.
	// Used by tests; production leaves it zero for per-request entropy.
	RandomSeed int64
}

// Orchestrator drives one inbound request through auth, expansion, rewrite,
// dispatch with failover, relay, and logging.
type Orchestrator struct {
	store    store.Store
	pool     *pool.Pool
	client   *upstream.Client
	recorder *logrec.Recorder
	opts     Options
	tracer   trace.Tracer
	now      func() time.Time
}

func New(s store.Store, p *pool.Pool, c *upstream.Client, rec *logrec.Recorder, opts Options) *Orchestrator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 120 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Minute
	}
	return &Orchestrator{
		store:    s,
		pool:     p,
		client:   c,
		recorder: rec,
		opts:     opts,
		tracer:   otel.Tracer("gproxy/proxy"),
		now:      time.Now,
	}
}

// ModelCatalog returns the /v1/models payload for the configured models.
func (o *Orchestrator) ModelCatalog() ModelList {
	list := ModelList{Object: "list", Data: []modelEntry{}}
	created := o.now().Unix()
	for _, m := range o.opts.Models {
		list.Data = append(list.Data, modelEntry{ID: m, Object: "model", Created: created, OwnedBy: "gproxy"})
	}
	return list
}

// ── Entry point ─────────────────────────────────────────────

// HandleChatCompletion serves POST /v1/chat/completions. Exactly one log
// entry is emitted per call, whatever the termination path.
func (o *Orchestrator) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	start := o.now()
	ctx, span := o.tracer.Start(r.Context(), "proxy.request")
	defer span.End()

	entry := &models.LogEntry{Status: models.LogStatusError}
	emitted := false
	emit := func() {
		if emitted {
			return
		}
		emitted = true
		entry.Latency = o.now().Sub(start).Seconds()
		o.recorder.Emit(entry)
	}
	defer emit()

	key, err := o.authenticate(ctx, r)
	if err != nil {
		entry.StatusCode = http.StatusUnauthorized
		respondError(w, http.StatusUnauthorized, "invalid_api_key", "Invalid or missing API key")
		return
	}
	entry.TenantKeyID = key.ID
	span.SetAttributes(attribute.String("gproxy.tenant_key_id", key.ID))

	var req ChatCompletionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		entry.StatusCode = http.StatusBadRequest
		respondError(w, http.StatusBadRequest, "invalid_request_error", "Malformed request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		entry.StatusCode = http.StatusBadRequest
		respondError(w, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}

	model := o.resolveModel(req.Model)
	entry.Model = model
	entry.Stream = req.Stream
	span.SetAttributes(attribute.String("gproxy.model", model), attribute.Bool("gproxy.stream", req.Stream))

	msgs, post, err := o.prepare(ctx, key, req.Messages)
	if err != nil {
		entry.StatusCode = http.StatusInternalServerError
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to prepare request")
		return
	}

	upReq := &upstream.Request{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
	}

	o.dispatch(ctx, w, r, upReq, post, entry)
}

// authenticate resolves the tenant key from the Authorization header, the
// x-api-key header, or the key query parameter, in that order.
func (o *Orchestrator) authenticate(ctx context.Context, r *http.Request) (*models.TenantKey, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
	if raw == "" {
		raw = r.Header.Get("x-api-key")
	}
	if raw == "" {
		raw = r.URL.Query().Get("key")
	}
	if !strings.HasPrefix(raw, models.TenantKeyPrefix) {
		return nil, &store.ErrNotFound{Entity: "tenant key", Key: "<redacted>"}
	}
	key, _, err := o.store.Authenticate(ctx, raw)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// resolveModel maps empty and gpt-prefixed model names onto the configured
// default so OpenAI SDK defaults keep working against the Gemini upstream.
func (o *Orchestrator) resolveModel(model string) string {
	if model == "" || strings.HasPrefix(model, "gpt-") {
		return o.opts.DefaultModel
	}
	return model
}

// prepare runs preset expansion, variable substitution, and the pre-phase
// rewrite, and compiles the post-phase pipeline for the response side.
func (o *Orchestrator) prepare(ctx context.Context, key *models.TenantKey, inbound []models.ChatMessage) ([]models.ChatMessage, *rewrite.Pipeline, error) {
	var ps *models.Preset
	if key.PresetID != nil {
		var err error
		ps, err = o.store.GetPreset(ctx, *key.PresetID)
		if err != nil {
			var nf *store.ErrNotFound
			if !errors.As(err, &nf) {
				return nil, nil, fmt.Errorf("load preset: %w", err)
			}
			// Dangling reference: behave as if no preset is bound.
			log.Warn().Str("tenant_key_id", key.ID).Str("preset_id", *key.PresetID).
				Msg("Tenant key references a missing preset")
			ps = nil
		} else if !ps.Enabled {
			ps = nil
		}
	}

	var accountRules []models.RegexRule
	if key.ApplyRegex {
		var err error
		accountRules, err = o.store.ListAccountRegex(ctx, key.AccountID)
		if err != nil {
			return nil, nil, fmt.Errorf("load account rules: %w", err)
		}
	}
	var presetRules []models.RegexRule
	if ps != nil {
		presetRules = ps.Rules
	}

	scope := vars.NewScope(o.seed())
	msgs := preset.Expand(ps, inbound, scope)
	msgs = rewrite.New(models.PhasePre, accountRules, presetRules).ApplyMessages(msgs)
	post := rewrite.New(models.PhasePost, accountRules, presetRules)
	return msgs, post, nil
}

func (o *Orchestrator) seed() int64 {
	if o.opts.RandomSeed != 0 {
		return o.opts.RandomSeed
	}
	return time.Now().UnixNano()
}

// ── Dispatch loop ───────────────────────────────────────────

func (o *Orchestrator) dispatch(ctx context.Context, w http.ResponseWriter, r *http.Request, upReq *upstream.Request, post *rewrite.Pipeline, entry *models.LogEntry) {
	reqCtx, cancel := context.WithTimeout(ctx, o.opts.RequestTimeout)
	defer cancel()

	exclude := make(map[string]bool, o.opts.MaxAttempts)
	var lastErr error
	for attempt := 1; attempt <= o.opts.MaxAttempts; attempt++ {
		enabled, err := o.pool.EnabledCount(reqCtx)
		if err != nil {
			entry.StatusCode = http.StatusInternalServerError
			respondError(w, http.StatusInternalServerError, "internal_error", "Credential lookup failed")
			return
		}
		if enabled == 0 {
			if attempt == 1 {
				entry.StatusCode = http.StatusServiceUnavailable
				respondError(w, http.StatusServiceUnavailable, "upstream_error", "No upstream credentials available")
				return
			}
			// Fatal settles disabled everything mid-request.
			break
		}
		// Successive leases stay distinct until every enabled credential
		// has been tried; remaining budget then revisits the pool.
		if len(exclude) >= enabled {
			exclude = make(map[string]bool, enabled)
		}

		lease, err := o.pool.Lease(reqCtx, exclude)
		if err != nil {
			// Client gave up while waiting on a credential.
			if r.Context().Err() != nil {
				entry.StatusCode = models.StatusClientClosed
				return
			}
			lastErr = err
			break
		}
		exclude[lease.Credential.ID] = true

		attemptCtx, cancelAttempt := context.WithTimeout(reqCtx, o.opts.AttemptTimeout)
		_, span := o.tracer.Start(attemptCtx, "upstream.invoke",
			trace.WithAttributes(
				attribute.Int("gproxy.attempt", attempt),
				attribute.String("gproxy.credential_id", lease.Credential.ID),
			))

		var done bool
		if entry.Stream {
			done, err = o.streamAttempt(attemptCtx, w, r, lease, upReq, post, entry)
		} else {
			done, err = o.bufferedAttempt(attemptCtx, w, lease, upReq, post, entry)
		}
		span.End()
		cancelAttempt()

		if done {
			return
		}

		// Client gone: nothing left to send, record the disconnect.
		if r.Context().Err() != nil {
			entry.StatusCode = models.StatusClientClosed
			return
		}

		// The upstream judged the request itself invalid; no other
		// credential can change that. Pass the rejection through.
		if upstream.Classify(err) == upstream.FailInvalidRequest {
			entry.StatusCode = http.StatusBadRequest
			respondError(w, http.StatusBadRequest, "invalid_request_error", rejectionMessage(err))
			return
		}

		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Str("credential_id", lease.Credential.ID).
			Str("model", upReq.Model).Msg("Upstream attempt failed")
	}

	if errors.Is(lastErr, context.DeadlineExceeded) && reqCtx.Err() != nil {
		entry.StatusCode = http.StatusGatewayTimeout
		respondError(w, http.StatusGatewayTimeout, "upstream_error", "Request deadline exceeded")
		return
	}
	entry.StatusCode = http.StatusBadGateway
	respondError(w, http.StatusBadGateway, "upstream_error", "All upstream attempts failed")
}

// settleFailure maps a classified upstream failure onto the pool outcome.
func settleFailure(ctx context.Context, lease *pool.Lease, err error) {
	res := pool.Result{}
	var he *upstream.HTTPError
	if errors.As(err, &he) {
		res.StatusCode = he.StatusCode
	}
	switch upstream.Classify(err) {
	case upstream.FailRateLimited:
		res.Outcome = pool.OutcomeRateLimited
	case upstream.FailServerError:
		res.Outcome = pool.OutcomeServerError
	case upstream.FailFatal:
		res.Outcome = pool.OutcomeFatal
	case upstream.FailInvalidRequest:
		// The upstream rejected the request, not the credential.
		res.Outcome = pool.OutcomeOK
	default:
		res.Outcome = pool.OutcomeTransport
	}
	lease.Settle(ctx, res)
}

// rejectionMessage surfaces the upstream's own wording for a request it
// permanently rejected.
func rejectionMessage(err error) string {
	var he *upstream.HTTPError
	if errors.As(err, &he) {
		if body := strings.TrimSpace(he.Body); body != "" {
			return body
		}
	}
	return "Upstream rejected the request"
}

// ── Buffered relay ──────────────────────────────────────────

// bufferedAttempt returns done=true once a response has been written; a
// false return with an error means the attempt may be retried.
func (o *Orchestrator) bufferedAttempt(ctx context.Context, w http.ResponseWriter, lease *pool.Lease, upReq *upstream.Request, post *rewrite.Pipeline, entry *models.LogEntry) (bool, error) {
	comp, err := o.client.Generate(ctx, lease.Credential.Secret, upReq)
	if err != nil {
		settleFailure(context.WithoutCancel(ctx), lease, err)
		return false, err
	}

	entry.InputTokens = comp.Usage.InputTokens
	entry.OutputTokens = comp.Usage.OutputTokens
	entry.TokensEstimated = comp.Usage.Estimated
	entry.StatusCode = http.StatusOK
	entry.Status = models.LogStatusOK

	lease.Settle(context.WithoutCancel(ctx), pool.Result{
		Outcome:    pool.OutcomeOK,
		StatusCode: http.StatusOK,
		Tokens:     comp.Usage.InputTokens + comp.Usage.OutputTokens,
	})

	resp := ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: o.now().Unix(),
		Model:   upReq.Model,
		Choices: []chatChoice{{
			Message:      models.ChatMessage{Role: models.RoleAssistant, Content: post.Apply(comp.Text)},
			FinishReason: comp.FinishReason,
		}},
		Usage: usageBlock{
			PromptTokens:     comp.Usage.InputTokens,
			CompletionTokens: comp.Usage.OutputTokens,
			TotalTokens:      comp.Usage.InputTokens + comp.Usage.OutputTokens,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Warn().Err(err).Msg("Failed to write buffered response")
	}
	return true, nil
}

// ── Streaming relay ─────────────────────────────────────────

// streamAttempt opens the upstream stream and holds off committing the SSE
// response until the first delta arrives, so a credential that fails before
// producing anything can still be failed over.
func (o *Orchestrator) streamAttempt(ctx context.Context, w http.ResponseWriter, r *http.Request, lease *pool.Lease, upReq *upstream.Request, post *rewrite.Pipeline, entry *models.LogEntry) (bool, error) {
	// TTFT counts from the moment this upstream call begins.
	callStart := o.now()
	s, err := o.client.Stream(ctx, lease.Credential.Secret, upReq)
	if err != nil {
		settleFailure(context.WithoutCancel(ctx), lease, err)
		return false, err
	}
	defer s.Close()

	first, err := s.Recv()
	if err != nil {
		if err == io.EOF {
			err = fmt.Errorf("%w: empty stream", upstream.ErrMalformed)
		}
		settleFailure(context.WithoutCancel(ctx), lease, err)
		return false, err
	}

	// Commit: from here on the response is partially written and the
	// attempt can no longer be retried.
	flusher, ok := w.(http.Flusher)
	if !ok {
		settleFailure(context.WithoutCancel(ctx), lease, errors.New("response writer does not support streaming"))
		return false, errors.New("streaming unsupported by server")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	entry.TTFT = o.now().Sub(callStart).Seconds()
	entry.StatusCode = http.StatusOK

	id := "chatcmpl-" + uuid.NewString()
	created := o.now().Unix()
	writeChunk := func(c ChatCompletionChunk) {
		b, _ := json.Marshal(c)
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}

	writeChunk(ChatCompletionChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: upReq.Model,
		Choices: []chunkChoice{{Delta: chunkDelta{Role: models.RoleAssistant}}},
	})

	var usage *upstream.Usage
	finishReason := "stop"
	deltas := int64(0)

	relay := func(d *upstream.Delta) {
		if d.Usage != nil {
			usage = d.Usage
		}
		if d.FinishReason != "" {
			finishReason = d.FinishReason
		}
		if d.Text == "" {
			return
		}
		deltas++
		writeChunk(ChatCompletionChunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: upReq.Model,
			Choices: []chunkChoice{{Delta: chunkDelta{Content: post.Apply(d.Text)}}},
		})
	}

	relay(first)
	var streamErr error
	for {
		d, err := s.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		relay(d)
	}

	settleCtx := context.WithoutCancel(ctx)
	if usage == nil {
		if u, ok := s.FallbackUsage(); ok {
			usage = &u
		}
	}
	if usage != nil {
		entry.InputTokens = usage.InputTokens
		entry.OutputTokens = usage.OutputTokens
		entry.TokensEstimated = usage.Estimated
	}

	clientGone := r.Context().Err() != nil

	switch {
	case streamErr == nil:
		entry.Status = models.LogStatusOK
		fr := finishReason
		writeChunk(ChatCompletionChunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: upReq.Model,
			Choices: []chunkChoice{{Delta: chunkDelta{}, FinishReason: &fr}},
		})
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
		lease.Settle(settleCtx, okResult(usage))
	case clientGone:
		// Disconnect mid-stream: at least one delta made it out, so the
		// credential was serving fine.
		entry.Status = models.LogStatusError
		entry.StatusCode = models.StatusClientClosed
		lease.Settle(settleCtx, okResult(usage))
	default:
		// Upstream broke after commit; the partial response already went
		// out, so just account for the failure.
		entry.Status = models.LogStatusError
		log.Warn().Err(streamErr).Int64("deltas", deltas).Msg("Upstream stream broke mid-relay")
		settleFailure(settleCtx, lease, streamErr)
	}
	return true, nil
}

func okResult(usage *upstream.Usage) pool.Result {
	res := pool.Result{Outcome: pool.OutcomeOK, StatusCode: http.StatusOK}
	if usage != nil {
		res.Tokens = usage.InputTokens + usage.OutputTokens
	}
	return res
}

// ── Response helpers ────────────────────────────────────────

func respondError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Error: apiErrorBody{Message: message, Type: errType}})
}
