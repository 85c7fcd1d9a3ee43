// Package flow implements the workflow execution engine: claim loop,
// action dispatch, retry and dead-letter handling, and state-machine
// advancement over a shared task store.
package flow

import (
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/taskflow-go/flow/action"
	"github.com/dshills/taskflow-go/flow/emit"
	"github.com/dshills/taskflow-go/flow/model"
)

// Options configures an Engine. Zero values select the defaults listed
// on each field.
type Options struct {
	// WorkerID identifies this worker in locks and logs.
	// Default: hostname plus a random suffix.
	WorkerID string

	// Queues lists the queue names this worker claims from.
	// Default: ["default", "llm"]. Human queues are served by
	// human-facing surfaces, not engine workers.
	Queues []string

	// MaxConcurrentTasks bounds how many claimed tasks may be processing
	// at once. Default: 4.
	MaxConcurrentTasks int

	// PollInterval is the idle sleep between claim attempts when the
	// queue is empty. Default: 1s.
	PollInterval time.Duration

	// LeaseDuration is how long a claim lock lasts before other workers
	// may re-claim the task. Default: 5m.
	LeaseDuration time.Duration

	// BaseRetryDelay is the backoff base: the k-th retry of a task is
	// scheduled base * 2^(k-1) after its failure. Default: 30s.
	BaseRetryDelay time.Duration

	// DefaultMaxRetries applies to tasks whose node does not set a
	// positive retry limit. Default: 3.
	DefaultMaxRetries int

	// EnableLLM gates llm task execution on this worker. Default: true
	// when a ChatModel is configured.
	EnableLLM bool
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithWorkerID overrides the generated worker identifier.
func WithWorkerID(id string) Option {
	return func(e *Engine) { e.opts.WorkerID = id }
}

// WithQueues sets the queue names this worker claims from.
func WithQueues(queues ...string) Option {
	return func(e *Engine) { e.opts.Queues = queues }
}

// WithMaxConcurrentTasks bounds in-process task concurrency.
func WithMaxConcurrentTasks(n int) Option {
	return func(e *Engine) { e.opts.MaxConcurrentTasks = n }
}

// WithPollInterval sets the idle sleep between claim attempts.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.opts.PollInterval = d }
}

// WithLeaseDuration sets the claim lock lifetime.
func WithLeaseDuration(d time.Duration) Option {
	return func(e *Engine) { e.opts.LeaseDuration = d }
}

// WithBaseRetryDelay sets the exponential backoff base.
func WithBaseRetryDelay(d time.Duration) Option {
	return func(e *Engine) { e.opts.BaseRetryDelay = d }
}

// WithDefaultMaxRetries sets the retry budget for nodes that do not
// configure one.
func WithDefaultMaxRetries(n int) Option {
	return func(e *Engine) { e.opts.DefaultMaxRetries = n }
}

// WithEmitter sets the event emitter. Default: emit.NullEmitter.
func WithEmitter(em emit.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithChatModel sets the LLM provider used by llm tasks and enables LLM
// execution.
func WithChatModel(cm model.ChatModel) Option {
	return func(e *Engine) {
		e.chat = cm
		e.opts.EnableLLM = true
	}
}

// WithLLMDisabled turns off llm task execution even when a ChatModel is
// configured; llm tasks then resolve via their fallback action or fail.
func WithLLMDisabled() Option {
	return func(e *Engine) { e.opts.EnableLLM = false }
}

// WithNotifier sets the notification sender used by notification tasks
// and the send_email automated action.
func WithNotifier(n action.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithIntegrations sets the client used by integration tasks.
func WithIntegrations(c *action.IntegrationClient) Option {
	return func(e *Engine) { e.integrations = c }
}

// WithWebhookClient overrides the HTTP client used by webhook actions.
func WithWebhookClient(c *action.WebhookClient) Option {
	return func(e *Engine) { e.webhook = c }
}

// WithWebhookBreaker wraps webhook deliveries in a circuit breaker.
func WithWebhookBreaker(b *action.Breaker) Option {
	return func(e *Engine) { e.breaker = b }
}

// WithImportRowFunc sets the per-row callback used by bulk_import tasks.
func WithImportRowFunc(fn action.RowFunc) Option {
	return func(e *Engine) { e.importRow = fn }
}

// WithDataOperationFunc sets the collaborator that executes
// data_operation tasks. Without one, data_operation tasks complete as
// no-ops echoing their configuration.
func WithDataOperationFunc(fn DataOperationFunc) Option {
	return func(e *Engine) { e.dataOp = fn }
}

// defaultWorkerID builds "hostname-xxxxxxxx" so concurrent workers on
// the same host stay distinguishable.
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

func (o *Options) applyDefaults() {
	if o.WorkerID == "" {
		o.WorkerID = defaultWorkerID()
	}
	if len(o.Queues) == 0 {
		o.Queues = []string{"default", "llm"}
	}
	if o.MaxConcurrentTasks <= 0 {
		o.MaxConcurrentTasks = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 5 * time.Minute
	}
	if o.BaseRetryDelay <= 0 {
		o.BaseRetryDelay = 30 * time.Second
	}
	if o.DefaultMaxRetries <= 0 {
		o.DefaultMaxRetries = 3
	}
}
