// Package dispatch implements the Dispatch Engine: the single entry point
// that composes the cache, chunker, rate limiter, cancellation fabric,
// status manager, task queue, and provider adapters into one streaming
// analyze call.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anrdispatch/dispatchd/internal/audit"
	"github.com/anrdispatch/dispatchd/internal/cache"
	"github.com/anrdispatch/dispatchd/internal/cancel"
	"github.com/anrdispatch/dispatchd/internal/chunk"
	"github.com/anrdispatch/dispatchd/internal/cost"
	"github.com/anrdispatch/dispatchd/internal/errs"
	"github.com/anrdispatch/dispatchd/internal/provider"
	"github.com/anrdispatch/dispatchd/internal/queue"
	"github.com/anrdispatch/dispatchd/internal/ratelimit"
	"github.com/anrdispatch/dispatchd/internal/status"
	"github.com/anrdispatch/dispatchd/internal/telemetry"
)

// chunkSeparator is the literal structural separator emitted between chunk
// outputs.
const chunkSeparator = "\n\n---\n\n"

// maxRateLimitWait bounds the total time a single dispatch will wait on
// rate-limit retry_after before failing RateLimited.
const maxRateLimitWait = 60 * time.Second

// Request mirrors spec §3 AnalysisRequest, immutable once submitted.
type Request struct {
	Content      []byte
	Kind         chunk.Kind
	Mode         cost.Mode
	ProviderHint provider.Name
	UseCache     bool
	Priority     int
	ClientID     string
	Deadline     time.Duration
}

// EventType closes the set of outbound events an analyze_stream call may
// produce.
type EventType string

const (
	EventStart     EventType = "start"
	EventContent   EventType = "content"
	EventProgress  EventType = "progress"
	EventMessage   EventType = "message"
	EventCancelled EventType = "cancelled"
	EventError     EventType = "error"
	EventComplete  EventType = "complete"
)

// Event is one outbound event in an analyze_stream sequence.
type Event struct {
	Type         EventType
	AnalysisID   string
	Text         string
	Percent      float64
	Chunks       int
	Tokens       int
	Level        status.Level
	Message      string
	Reason       string
	Kind         errs.Kind
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	RetryAfter   time.Duration
}

// Result is the accumulated output of a queue-submitted analysis.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// Engine is the Dispatch Engine.
type Engine struct {
	registry   *provider.Registry
	chunker    *chunk.Chunker
	cache      *cache.Cache
	limiters   *ratelimit.Manager
	cancelMgr  *cancel.Manager
	auditStore *audit.Store
	queue      *queue.Queue
	logger     telemetry.Logger

	maxFileSizeBytes int64
	defaultProvider  provider.Name
	durableSink      func(analysisID string) status.DurableSink

	statusMu sync.Mutex
	statuses map[string]*status.Manager
}

// Options configures a new Engine.
type Options struct {
	Registry         *provider.Registry
	Chunker          *chunk.Chunker
	Cache            *cache.Cache
	Limiters         *ratelimit.Manager
	CancelManager    *cancel.Manager
	AuditStore       *audit.Store
	Queue            *queue.Queue
	Logger           telemetry.Logger
	MaxFileSizeBytes int64
	DefaultProvider  provider.Name

	// DurableSink, if set, is called once per analysis to obtain a
	// status.DurableSink that mirrors that analysis's snapshots to a
	// durable transport (e.g. Redis). Returning nil skips durable mirroring
	// for that analysis.
	DurableSink func(analysisID string) status.DurableSink
}

// New constructs an Engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Engine{
		registry:         opts.Registry,
		chunker:          opts.Chunker,
		cache:            opts.Cache,
		limiters:         opts.Limiters,
		cancelMgr:        opts.CancelManager,
		auditStore:       opts.AuditStore,
		queue:            opts.Queue,
		logger:           logger,
		maxFileSizeBytes: opts.MaxFileSizeBytes,
		defaultProvider:  opts.DefaultProvider,
		durableSink:      opts.DurableSink,
		statuses:         make(map[string]*status.Manager),
	}
}

// Cancel requests cooperative cancellation of analysisID, whether it was
// started via AnalyzeStream or Submit — both key into the same
// cancellation registry, so this is the single cancel(task_id) entry point
// for either external surface. Returns whether a live token was found.
func (e *Engine) Cancel(analysisID, reason string) bool {
	return e.cancelMgr.Cancel(analysisID, reason)
}

// StatusOf returns the live Status Manager for an in-flight or
// recently-finished analysis, for callers that want progress/usage snapshots
// independent of the analyze_stream event channel.
func (e *Engine) StatusOf(analysisID string) (*status.Manager, bool) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	m, ok := e.statuses[analysisID]
	return m, ok
}

// AnalyzeStream runs the full dispatch algorithm for a freshly-generated
// analysis id, sending events to out until a single terminal event
// (Complete/Cancelled/Error) is sent. This is the `analyze_stream` external
// interface: synchronous in the sense that the caller holds the channel open
// for the whole call.
func (e *Engine) AnalyzeStream(ctx context.Context, req Request, out chan<- Event) string {
	analysisID := uuid.NewString()
	go e.analyze(ctx, analysisID, req, out)
	return analysisID
}

// Submit is the `submit(request) -> task_id` external interface: the
// analysis runs on the Task Queue's worker pool under priority scheduling,
// and the caller observes it via StatusOf and cancels it via Cancel rather
// than a direct event channel. The returned id is the analysis id, not the
// queue's task id, so it is not a key for Queue.Status or Queue.Cancel.
func (e *Engine) Submit(req Request) (string, error) {
	analysisID := uuid.NewString()
	_, err := e.queue.Submit(req.Priority, func(ctx context.Context, _ *cancel.Token) (any, error) {
		events := make(chan Event, 8)
		go e.analyze(ctx, analysisID, req, events)
		var result Result
		var terminalErr error
		for ev := range events {
			switch ev.Type {
			case EventContent:
				result.Text += ev.Text
			case EventComplete:
				result.InputTokens, result.OutputTokens, result.CostUSD = ev.InputTokens, ev.OutputTokens, ev.CostUSD
			case EventCancelled:
				terminalErr = errs.New(errs.KindCancelled, "dispatch.Submit", ev.Reason, nil)
			case EventError:
				terminalErr = errs.New(ev.Kind, "dispatch.Submit", ev.Message, nil)
			}
		}
		return result, terminalErr
	})
	if err != nil {
		return "", err
	}
	return analysisID, nil
}

// analyze implements the 9-step algorithm against a caller-supplied
// analysis id (shared between the streaming and queued entry points so
// StatusOf/audit rows key consistently), closing out exactly once with a
// single terminal event.
func (e *Engine) analyze(ctx context.Context, analysisID string, req Request, out chan<- Event) {
	defer close(out)

	sm := status.New(200)
	if e.durableSink != nil {
		if sink := e.durableSink(analysisID); sink != nil {
			sm.WithDurableSink(sink)
		}
	}
	e.registerStatus(analysisID, sm)
	defer e.unregisterStatus(analysisID)
	sm.SetStatus("pending")

	// Step 1: validate log_kind / mode / size.
	if req.Kind != chunk.KindANR && req.Kind != chunk.KindTombstone {
		out <- Event{Type: EventStart, AnalysisID: analysisID}
		e.terminalError(out, sm, errs.KindInvalidKind, "unsupported log kind")
		return
	}
	if !isValidMode(req.Mode) {
		out <- Event{Type: EventStart, AnalysisID: analysisID}
		e.terminalError(out, sm, errs.KindInvalidMode, "unsupported mode")
		return
	}
	if e.maxFileSizeBytes > 0 && int64(len(req.Content)) > e.maxFileSizeBytes {
		out <- Event{Type: EventStart, AnalysisID: analysisID}
		e.terminalError(out, sm, errs.KindFileTooLarge, "content exceeds max_file_size_bytes")
		return
	}
	if err := chunk.Validate(req.Kind, string(req.Content)); err != nil {
		out <- Event{Type: EventStart, AnalysisID: analysisID}
		e.terminalError(out, sm, errs.KindInvalidKind, err.Error())
		return
	}

	out <- Event{Type: EventStart, AnalysisID: analysisID}

	// Step 2: resolve provider.
	p, ok := e.registry.Resolve(req.ProviderHint, e.defaultProvider)
	if !ok {
		e.terminalError(out, sm, errs.KindNoProvider, "no provider available")
		return
	}
	model := p.ModelForMode(req.Mode)

	// Step 3: cache check.
	var cacheKey cache.Key
	if req.UseCache && e.cache != nil {
		cacheKey = cache.ComputeKey(req.Content, string(req.Mode), model)
		if v, hit := e.cache.Get(cacheKey); hit {
			sm.SetStatus("completed")
			out <- Event{Type: EventContent, Text: string(v)}
			out <- Event{Type: EventComplete}
			return
		}
	}

	// Step 4: audit record + cancellation token; transition to Running.
	token := e.cancelMgr.New(analysisID)
	defer e.cancelMgr.Cancel(analysisID, "") // no-op if already cancelled; marks a naturally-completed token for later CleanupOlderThan

	if e.auditStore != nil {
		sum := sha256.Sum256(req.Content)
		rec := audit.Record{
			AnalysisID:  analysisID,
			Kind:        req.Kind,
			Mode:        req.Mode,
			Provider:    string(p.Name()),
			Model:       model,
			ContentHash: hex.EncodeToString(sum[:]),
			ContentSize: len(req.Content),
		}
		if req.Kind == chunk.KindANR {
			rec.Metadata = anrMetadataToMap(chunk.ExtractANRMetadata(string(req.Content)))
		}
		if err := e.auditStore.Create(ctx, rec); err != nil {
			e.logger.Warn(ctx, "audit create failed", "analysis_id", analysisID, "err", err)
			e.terminalError(out, sm, errs.KindStorageError, "audit create failed: "+err.Error())
			return
		}
	}
	sm.SetStatus("running")

	if req.Deadline > 0 {
		timer := time.AfterFunc(req.Deadline, func() { token.Cancel("timeout") })
		defer timer.Stop()
	}

	// Step 5: chunk.
	modelInfo, _ := cost.ByName(model)
	budget := chunkRuntimeBudget(modelInfo, p, req.Mode)
	chunks, err := e.chunker.Split(req.Kind, string(req.Content), req.Mode, budget)
	if err != nil {
		e.finalizeAudit(ctx, analysisID, audit.RecordFailed, 0, 0, 0, err.Error())
		sm.RecordError(err.Error())
		e.terminalError(out, sm, errs.KindInvalidKind, err.Error())
		return
	}

	var buf []byte
	var totalIn, totalOut int
	var totalCost float64
	limiter := e.limiterFor(p)

	for i, ck := range chunks {
		if err := token.Check(); err != nil {
			e.cancelOut(ctx, out, sm, analysisID, token, totalIn, totalOut, totalCost)
			return
		}

		if limiter != nil {
			estIn, _ := cost.EstimateTokens(len(ck.Text), providerCostKind(p.Name()), req.Mode)
			if d, _, timedOut := e.acquireWithWait(limiter, req.ClientID, estIn); timedOut {
				e.finalizeAudit(ctx, analysisID, audit.RecordFailed, totalIn, totalOut, totalCost, "rate limited")
				sm.RecordError("rate limited")
				out <- Event{Type: EventError, Kind: errs.KindRateLimited, RetryAfter: d.RetryAfter}
				return
			}
		}

		if i > 0 {
			out <- Event{Type: EventContent, Text: chunkSeparator}
			buf = append(buf, chunkSeparator...)
		}

		chunkIn, chunkOut, chunkCost, streamErr := e.streamChunk(ctx, p, ck, token, out, &buf, model, modelInfo, i == 0)
		totalIn += chunkIn
		totalOut += chunkOut
		totalCost += chunkCost

		if streamErr != nil {
			var de *errs.Error
			if errors.As(streamErr, &de) && de.Kind == errs.KindCancelled {
				e.cancelOut(ctx, out, sm, analysisID, token, totalIn, totalOut, totalCost)
				return
			}
			e.finalizeAudit(ctx, analysisID, audit.RecordFailed, totalIn, totalOut, totalCost, streamErr.Error())
			sm.RecordError(streamErr.Error())
			out <- Event{Type: EventError, Kind: classify(streamErr)}
			return
		}

		sm.UpdateProgress(i+1, len(chunks), chunkIn, chunkOut)
		sm.RecordUsage(chunkIn, chunkOut, chunkCost)
		out <- Event{Type: EventProgress, Percent: float64(i+1) / float64(len(chunks)) * 100, Chunks: len(chunks), Tokens: totalIn + totalOut}
	}

	if token.Cancelled() {
		e.cancelOut(ctx, out, sm, analysisID, token, totalIn, totalOut, totalCost)
		return
	}

	if req.UseCache && e.cache != nil {
		if err := e.cache.Put(cacheKey, buf, nil); err != nil {
			e.logger.Warn(ctx, "cache put failed", "analysis_id", analysisID, "err", err)
		}
	}
	sm.SetStatus("completed")
	e.finalizeAudit(ctx, analysisID, audit.RecordCompleted, totalIn, totalOut, totalCost, "")
	out <- Event{Type: EventComplete, InputTokens: totalIn, OutputTokens: totalOut, CostUSD: totalCost}
}

func (e *Engine) registerStatus(analysisID string, sm *status.Manager) {
	e.statusMu.Lock()
	e.statuses[analysisID] = sm
	e.statusMu.Unlock()
}

func (e *Engine) unregisterStatus(analysisID string) {
	e.statusMu.Lock()
	delete(e.statuses, analysisID)
	e.statusMu.Unlock()
}

func (e *Engine) cancelOut(ctx context.Context, out chan<- Event, sm *status.Manager, analysisID string, token *cancel.Token, in, outTok int, costUSD float64) {
	reason := token.Reason()
	e.finalizeAudit(ctx, analysisID, audit.RecordCancelled, in, outTok, costUSD, reason)
	sm.RecordCancellation(reason)
	out <- Event{Type: EventCancelled, Reason: reason}
}

func (e *Engine) terminalError(out chan<- Event, sm *status.Manager, kind errs.Kind, msg string) {
	sm.RecordError(msg)
	out <- Event{Type: EventError, Kind: kind, Message: msg}
}

func (e *Engine) finalizeAudit(ctx context.Context, analysisID string, st audit.RecordStatus, in, out int, costUSD float64, errMsg string) {
	if e.auditStore == nil {
		return
	}
	if err := e.auditStore.Finalize(ctx, analysisID, st, in, out, costUSD, errMsg); err != nil {
		e.logger.Warn(ctx, "audit finalize failed", "analysis_id", analysisID, "err", err)
	}
}

func (e *Engine) limiterFor(p provider.Provider) *ratelimit.Limiter {
	if e.limiters == nil {
		return nil
	}
	return e.limiters.LimiterFor(providerCostKind(p.Name()))
}

func (e *Engine) acquireWithWait(lim *ratelimit.Limiter, clientID string, tokensNeeded int) (ratelimit.Decision, time.Duration, bool) {
	var waited time.Duration
	for {
		d := lim.Acquire(clientID, tokensNeeded)
		if d.Allowed {
			return d, waited, false
		}
		if waited+d.RetryAfter > maxRateLimitWait {
			return d, waited, true
		}
		time.Sleep(d.RetryAfter)
		waited += d.RetryAfter
	}
}

// streamChunk opens (and, on a ProviderTransient failure for the first
// chunk, retries once against the same provider with exponential backoff) a
// provider stream for one chunk, forwarding Delta events as Content events
// and accumulating usage.
func (e *Engine) streamChunk(ctx context.Context, p provider.Provider, ck chunk.Chunk, token *cancel.Token, out chan<- Event, buf *[]byte, model string, modelInfo cost.ModelInfo, isFirstChunk bool) (inTokens, outTokens int, costUSD float64, err error) {
	attempts := 0
	backoff := 200 * time.Millisecond
	for {
		attempts++
		streamErr := e.streamOnce(ctx, p, ck, model, token, out, buf, &inTokens, &outTokens)
		if streamErr == nil {
			costUSD = cost.CalculateCost(modelInfo, inTokens, outTokens)
			return inTokens, outTokens, costUSD, nil
		}
		var de *errs.Error
		if errors.As(streamErr, &de) && de.Kind == errs.KindProviderTransient && isFirstChunk && attempts < 2 {
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		return inTokens, outTokens, 0, streamErr
	}
}

func (e *Engine) streamOnce(ctx context.Context, p provider.Provider, ck chunk.Chunk, model string, token *cancel.Token, out chan<- Event, buf *[]byte, inTokens, outTokens *int) error {
	stream, err := p.Stream(ctx, ck.Text, provider.Params{Model: model}, token)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		if err := token.Check(); err != nil {
			return err
		}
		ev, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := token.Check(); err != nil {
			return err
		}
		switch ev.Type {
		case provider.EventDelta:
			out <- Event{Type: EventContent, Text: ev.Text}
			*buf = append(*buf, ev.Text...)
		case provider.EventUsageUpdate:
			*inTokens += ev.InputTokens
			*outTokens += ev.OutputTokens
		case provider.EventEnd:
			return nil
		}
	}
}

// anrMetadataToMap flattens an ANRMetadata into the string map audit.Record
// stores, omitting fields the extractor found nothing for.
func anrMetadataToMap(md chunk.ANRMetadata) map[string]string {
	m := make(map[string]string, 5)
	if md.PID != "" {
		m["pid"] = md.PID
	}
	if md.Package != "" {
		m["package"] = md.Package
	}
	if md.Timestamp != "" {
		m["timestamp"] = md.Timestamp
	}
	if md.MainThreadState != "" {
		m["main_thread_state"] = md.MainThreadState
	}
	m["total_threads"] = strconv.Itoa(md.TotalThreads)
	return m
}

func isValidMode(m cost.Mode) bool {
	switch m {
	case cost.ModeQuick, cost.ModeIntelligent, cost.ModeLargeFile, cost.ModeMaxToken:
		return true
	}
	return false
}

func chunkRuntimeBudget(model cost.ModelInfo, p provider.Provider, mode cost.Mode) int {
	return chunk.Budget(model, providerCostKind(p.Name()), mode)
}

func providerCostKind(n provider.Name) cost.Provider {
	switch n {
	case provider.NameOpenAI:
		return cost.ProviderOpenAI
	case provider.NameBedrock:
		return cost.ProviderBedrock
	default:
		return cost.ProviderAnthropic
	}
}

func classify(err error) errs.Kind {
	var de *errs.Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return errs.KindProviderFatal
}
