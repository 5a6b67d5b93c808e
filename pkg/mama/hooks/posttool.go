package hooks

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/mama/pkg/mama/memory"
)

const (
	// defaultContractSaveLimit caps contract saves per handler
	// lifetime so a long session cannot flood the decision store.
	defaultContractSaveLimit = 20

	// defaultQueueSize bounds pending mining jobs. When full the
	// oldest job is dropped, never the caller blocked.
	defaultQueueSize = 32

	// mineTimeout bounds each memory round-trip inside the worker.
	mineTimeout = 10 * time.Second
)

// PostToolOptions tunes the background miner. Zero values pick the
// defaults.
type PostToolOptions struct {
	SaveLimit int
	QueueSize int
}

type postToolJob struct {
	tool    string
	path    string
	content string
}

// PostToolHandler watches file-editing tool results and saves the API
// contracts they introduce as pattern memory. All mining happens on a
// single background worker; enqueueing never blocks and failures never
// reach the turn loop.
type PostToolHandler struct {
	api       memory.API
	logger    *slog.Logger
	saveLimit int

	queue chan postToolJob
	stop  chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	closed bool
	saved  int

	closeOnce sync.Once
}

// NewPostToolHandler starts the mining worker.
func NewPostToolHandler(api memory.API, opts PostToolOptions, logger *slog.Logger) *PostToolHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SaveLimit <= 0 {
		opts.SaveLimit = defaultContractSaveLimit
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	h := &PostToolHandler{
		api:       api,
		logger:    logger.With("component", "posttool"),
		saveLimit: opts.SaveLimit,
		queue:     make(chan postToolJob, opts.QueueSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

// ProcessInBackground enqueues one tool result for mining. It filters
// non-edit tools and low-priority paths up front and returns
// immediately either way.
func (h *PostToolHandler) ProcessInBackground(toolName, filePath, content string) {
	if !IsEditTool(toolName) || content == "" || IsLowPriorityPath(filePath) {
		return
	}
	h.mu.Lock()
	if h.closed || h.saved >= h.saveLimit {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	job := postToolJob{tool: toolName, path: filePath, content: content}
	select {
	case h.queue <- job:
		return
	default:
	}
	// Queue full: drop the oldest job, then try once more. If another
	// producer raced us in, drop this job instead.
	select {
	case <-h.queue:
	default:
	}
	select {
	case h.queue <- job:
	default:
		h.logger.Debug("mining queue full, dropping job", "path", filePath)
	}
}

// Saved reports how many contracts this handler has persisted.
func (h *PostToolHandler) Saved() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.saved
}

// Close drains the queue, finishes in-flight mining, and stops the
// worker. Safe to call more than once.
func (h *PostToolHandler) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		close(h.stop)
		<-h.done
	})
}

func (h *PostToolHandler) run() {
	defer close(h.done)
	for {
		select {
		case job := <-h.queue:
			h.process(job)
		case <-h.stop:
			for {
				select {
				case job := <-h.queue:
					h.process(job)
				default:
					return
				}
			}
		}
	}
}

// process mines one job. Panics are contained here so a bad regex
// interaction or store fault can never crash the daemon.
func (h *PostToolHandler) process(job postToolJob) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("contract mining panicked", "path", job.path, "panic", r)
		}
	}()

	contracts := ExtractContracts(job.path, job.content)
	if len(contracts) == 0 {
		return
	}
	h.logger.Debug("contracts extracted", "path", job.path, "count", len(contracts))

	for _, c := range contracts {
		h.mu.Lock()
		atLimit := h.saved >= h.saveLimit
		h.mu.Unlock()
		if atLimit {
			h.logger.Debug("contract save limit reached", "limit", h.saveLimit)
			return
		}
		h.saveContract(c)
	}
}

func (h *PostToolHandler) saveContract(c Contract) {
	ctx, cancel := context.WithTimeout(context.Background(), mineTimeout)
	defer cancel()

	if h.isDuplicate(ctx, c) {
		return
	}
	_, err := h.api.Save(ctx, memory.Decision{
		Topic:      c.Topic,
		Decision:   c.Decision,
		Reasoning:  c.Reasoning,
		Confidence: c.Confidence,
		Type:       memory.TypeUserDecision,
		Outcome:    memory.OutcomePending,
	})
	if err != nil {
		h.logger.Warn("contract save failed", "topic", c.Topic, "error", err)
		return
	}
	h.mu.Lock()
	h.saved++
	h.mu.Unlock()
}

// isDuplicate asks the store whether this exact contract is already
// known. Lookup errors count as not-duplicate: saving twice is cheaper
// than losing a contract.
func (h *PostToolHandler) isDuplicate(ctx context.Context, c Contract) bool {
	resp, err := h.api.Suggest(ctx, c.Topic, 3)
	if err != nil || resp == nil {
		return false
	}
	for _, d := range resp.Results {
		if strings.EqualFold(d.Topic, c.Topic) && strings.EqualFold(d.Decision, c.Decision) {
			return true
		}
	}
	return false
}
