package flow

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/dshills/taskflow-go/flow/action"
	"github.com/dshills/taskflow-go/flow/emit"
	"github.com/dshills/taskflow-go/flow/model"
	"github.com/dshills/taskflow-go/flow/store"
)

// registerBuiltins installs the default handler for every task type.
// RegisterHandler replaces them individually.
func (e *Engine) registerBuiltins() {
	e.handlers[store.TaskAutomated] = e.handleAutomated
	e.handlers[store.TaskTimer] = noopHandler
	e.handlers[store.TaskEvent] = noopHandler
	e.handlers[store.TaskLLM] = e.handleLLM
	e.handlers[store.TaskNotification] = e.handleNotification
	e.handlers[store.TaskIntegration] = e.handleIntegration
	e.handlers[store.TaskDataOperation] = e.handleDataOperation
	e.handlers[store.TaskBulkImport] = e.handleBulkImport
}

// dispatch runs the handler registered for the task's type. A panicking
// handler is converted into a failure result with the stack in
// ErrorDetail; the worker process never dies for one bad handler.
//
// Unknown task types complete as no-ops so a missing handler cannot
// stall the state machine. No business state is invented: the result
// carries no output.
func (e *Engine) dispatch(ctx context.Context, task *store.Task) (res action.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = action.Result{
				ErrorMessage: fmt.Sprintf("handler panic: %v", r),
				ErrorDetail:  string(debug.Stack()),
			}
		}
	}()

	e.mu.RLock()
	handler, ok := e.handlers[task.Type]
	e.mu.RUnlock()
	if !ok {
		e.logEvent(ctx, emit.Event{
			Level:    emit.LevelWarn,
			Category: emit.CategoryTask,
			Msg:      "no handler for task type, completing as no-op",
			TaskID:   task.ID,
			Meta:     map[string]any{"type": string(task.Type)},
		})
		return action.Result{Success: true}
	}
	return handler(ctx, task, e.store)
}

// noopHandler completes immediately. Timer delays were already enforced
// by the task's scheduled_at; event tasks would block on an external
// signal in a fuller deployment.
func noopHandler(ctx context.Context, task *store.Task, st store.Store) action.Result {
	return action.Result{Success: true}
}

// handleAutomated sub-dispatches on the actionType field of the node
// configuration.
func (e *Engine) handleAutomated(ctx context.Context, task *store.Task, st store.Store) action.Result {
	var cfg AutomatedConfig
	if err := decodeConfig(task.Input, &cfg); err != nil {
		return action.FailPermanent(err.Error())
	}

	switch strings.ToLower(cfg.ActionType) {
	case "", "log":
		e.logEvent(ctx, emit.Event{
			Level:      emit.LevelInfo,
			Category:   emit.CategoryTask,
			Msg:        cfg.Message,
			InstanceID: task.InstanceID,
			TaskID:     task.ID,
		})
		return action.Succeed(map[string]any{"logged": true})

	case "update_entity":
		// Entity storage is an external collaborator; the update lands
		// in the state bag for downstream nodes and outer systems.
		if cfg.EntityType == "" || cfg.EntityID == "" {
			return action.FailPermanent("update_entity requires entityType and entityId")
		}
		return action.Succeed(map[string]any{
			"entityType":    cfg.EntityType,
			"entityId":      cfg.EntityID,
			"updatedFields": cfg.Fields,
		})

	case "send_email":
		if cfg.Email == nil || len(cfg.Email.To) == 0 {
			return action.FailPermanent("send_email requires email.to recipients")
		}
		if e.notifier == nil {
			return action.Fail("no notifier configured")
		}
		err := e.notifier.Notify(ctx, action.Notification{
			Channel: "email",
			To:      cfg.Email.To,
			Subject: renderTemplate(cfg.Email.Subject, taskState(task.Input)),
			Body:    renderTemplate(cfg.Email.Body, taskState(task.Input)),
		})
		if err != nil {
			return action.Fail(fmt.Sprintf("send email: %v", err))
		}
		return action.Succeed(map[string]any{"emailSent": true, "recipients": len(cfg.Email.To)})

	case "webhook":
		if cfg.Webhook == nil || cfg.Webhook.URL == "" {
			return action.FailPermanent("webhook requires a url")
		}
		return e.deliverWebhook(ctx, *cfg.Webhook)

	default:
		return action.FailPermanent(fmt.Sprintf("unsupported action type %q", cfg.ActionType))
	}
}

// deliverWebhook sends the request, through the circuit breaker when one
// is configured.
func (e *Engine) deliverWebhook(ctx context.Context, cfg WebhookConfig) action.Result {
	req := action.WebhookRequest{
		Method:  cfg.Method,
		URL:     cfg.URL,
		Headers: cfg.Headers,
		Body:    cfg.Body,
	}

	var resp action.WebhookResponse
	deliver := func() error {
		var err error
		resp, err = e.webhook.Deliver(ctx, req)
		return err
	}

	var err error
	if e.breaker != nil {
		err = e.breaker.Do(deliver)
	} else {
		err = deliver()
	}
	if err != nil {
		return action.Fail(err.Error())
	}
	return action.Succeed(map[string]any{
		"statusCode": resp.StatusCode,
		"body":       resp.Body,
	})
}

// handleLLM validates the prompt and delegates to the configured
// ChatModel. A configured fallback action converts provider failures
// into a successful result so a degraded upstream API does not
// dead-letter the workflow.
func (e *Engine) handleLLM(ctx context.Context, task *store.Task, st store.Store) action.Result {
	var cfg LLMConfig
	if err := decodeConfig(task.Input, &cfg); err != nil {
		return action.FailPermanent(err.Error())
	}
	if strings.TrimSpace(cfg.Prompt) == "" {
		return action.FailPermanent("llm task requires a non-empty prompt")
	}

	if !e.opts.EnableLLM || e.chat == nil {
		if cfg.FallbackAction != "" {
			return action.Succeed(map[string]any{
				"fallbackAction": cfg.FallbackAction,
				"llmError":       "llm actions disabled on this worker",
			})
		}
		return action.Fail("llm actions disabled on this worker")
	}

	prompt := renderTemplate(cfg.Prompt, taskState(task.Input))
	var messages []model.Message
	if cfg.System != "" {
		messages = append(messages, model.Message{Role: model.RoleSystem, Content: cfg.System})
	}
	messages = append(messages, model.Message{Role: model.RoleUser, Content: prompt})

	out, err := e.chat.Chat(ctx, messages, nil)
	if err != nil {
		if cfg.FallbackAction != "" {
			return action.Succeed(map[string]any{
				"fallbackAction": cfg.FallbackAction,
				"llmError":       err.Error(),
			})
		}
		return action.Fail(fmt.Sprintf("llm call: %v", err))
	}
	return action.Succeed(map[string]any{"response": out.Text})
}

func (e *Engine) handleNotification(ctx context.Context, task *store.Task, st store.Store) action.Result {
	var cfg NotificationConfig
	if err := decodeConfig(task.Input, &cfg); err != nil {
		return action.FailPermanent(err.Error())
	}
	if len(cfg.To) == 0 {
		return action.FailPermanent("notification requires recipients")
	}
	if e.notifier == nil {
		return action.Fail("no notifier configured")
	}

	state := taskState(task.Input)
	err := e.notifier.Notify(ctx, action.Notification{
		Channel: cfg.Channel,
		To:      cfg.To,
		Subject: renderTemplate(cfg.Subject, state),
		Body:    renderTemplate(cfg.Body, state),
		Meta:    cfg.Meta,
	})
	if err != nil {
		return action.Fail(fmt.Sprintf("notify: %v", err))
	}
	return action.Succeed(map[string]any{"notified": true, "recipients": len(cfg.To)})
}

func (e *Engine) handleIntegration(ctx context.Context, task *store.Task, st store.Store) action.Result {
	var cfg IntegrationConfig
	if err := decodeConfig(task.Input, &cfg); err != nil {
		return action.FailPermanent(err.Error())
	}
	if cfg.Endpoint == "" {
		return action.FailPermanent("integration requires an endpoint name")
	}
	if e.integrations == nil {
		return action.Fail("no integration client configured")
	}

	resp, err := e.integrations.Call(ctx, cfg.Endpoint, cfg.Payload)
	if err != nil {
		return action.Fail(fmt.Sprintf("integration %s: %v", cfg.Endpoint, err))
	}
	return action.Succeed(map[string]any{
		"endpoint":   cfg.Endpoint,
		"statusCode": resp.StatusCode,
		"body":       resp.Body,
	})
}

func (e *Engine) handleDataOperation(ctx context.Context, task *store.Task, st store.Store) action.Result {
	var cfg DataOperationConfig
	if err := decodeConfig(task.Input, &cfg); err != nil {
		return action.FailPermanent(err.Error())
	}
	if e.dataOp == nil {
		return action.Succeed(map[string]any{
			"operation": cfg.Operation,
			"skipped":   true,
		})
	}
	out, err := e.dataOp(ctx, cfg)
	if err != nil {
		return action.Fail(fmt.Sprintf("data operation %s: %v", cfg.Operation, err))
	}
	return action.Succeed(out)
}

func (e *Engine) handleBulkImport(ctx context.Context, task *store.Task, st store.Store) action.Result {
	var cfg ImportConfig
	if err := decodeConfig(task.Input, &cfg); err != nil {
		return action.FailPermanent(err.Error())
	}
	if e.importRow == nil {
		return action.FailPermanent("no import row handler configured")
	}

	importer := action.NewImporter(e.importRow)
	var (
		sum action.ImportSummary
		err error
	)
	switch {
	case len(cfg.Rows) > 0:
		sum, err = importer.ImportRows(ctx, cfg.Rows)
	case strings.EqualFold(cfg.Format, "csv"):
		sum, err = importer.ImportCSV(ctx, strings.NewReader(cfg.Data))
	case strings.EqualFold(cfg.Format, "jsonl"):
		sum, err = importer.ImportJSONL(ctx, strings.NewReader(cfg.Data))
	default:
		return action.FailPermanent(fmt.Sprintf("unsupported import format %q", cfg.Format))
	}
	if err != nil {
		return action.Fail(fmt.Sprintf("import: %v", err))
	}
	return action.Succeed(sum.Output())
}

// renderTemplate substitutes {{field}} references with values from the
// state bag. Unknown fields are left as-is.
func renderTemplate(tmpl string, state map[string]any) string {
	if tmpl == "" || len(state) == 0 || !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	out := tmpl
	for key, value := range state {
		out = strings.ReplaceAll(out, "{{"+key+"}}", stringify(value))
	}
	return out
}
