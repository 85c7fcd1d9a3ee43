package flow

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dshills/taskflow-go/flow/action"
	"github.com/dshills/taskflow-go/flow/model"
	"github.com/dshills/taskflow-go/flow/store"
)

func taskWithConfig(taskType store.TaskType, config map[string]any) *store.Task {
	return &store.Task{
		ID:     "task-x",
		Type:   taskType,
		Status: store.TaskRunning,
		Input: map[string]any{
			"config": config,
			"state":  map[string]any{"customer": "Ada"},
		},
	}
}

func TestDispatchUnknownTypeCompletesAsNoop(t *testing.T) {
	e, _ := newTestEngine(t, store.NewMemStore())
	res := e.dispatch(context.Background(), &store.Task{ID: "t", Type: store.TaskType("mystery")})
	if !res.Success {
		t.Fatalf("unknown task type should complete as no-op, got %+v", res)
	}
	if len(res.Output) != 0 {
		t.Errorf("no-op must not invent output, got %v", res.Output)
	}
}

func TestDispatchRecoversFromPanic(t *testing.T) {
	e, _ := newTestEngine(t, store.NewMemStore())
	e.RegisterHandler(store.TaskAutomated, func(ctx context.Context, task *store.Task, st store.Store) action.Result {
		panic("handler exploded")
	})

	res := e.dispatch(context.Background(), &store.Task{ID: "t", Type: store.TaskAutomated})
	if res.Success {
		t.Fatal("panic should produce a failure result")
	}
	if !strings.Contains(res.ErrorMessage, "handler exploded") {
		t.Errorf("error message = %q", res.ErrorMessage)
	}
	if res.ErrorDetail == "" {
		t.Error("expected a stack trace in error detail")
	}
}

func TestHandleAutomatedLog(t *testing.T) {
	e, _ := newTestEngine(t, store.NewMemStore())
	task := taskWithConfig(store.TaskAutomated, map[string]any{
		"actionType": "log",
		"message":    "checkpoint reached",
	})
	res := e.dispatch(context.Background(), task)
	if !res.Success {
		t.Fatalf("log action failed: %+v", res)
	}
}

func TestHandleAutomatedUnknownActionIsPermanent(t *testing.T) {
	e, _ := newTestEngine(t, store.NewMemStore())
	task := taskWithConfig(store.TaskAutomated, map[string]any{"actionType": "teleport"})
	res := e.dispatch(context.Background(), task)
	if res.Success || !res.Permanent {
		t.Fatalf("unsupported action type should fail permanently, got %+v", res)
	}
}

func TestHandleAutomatedSendEmail(t *testing.T) {
	notifier := &action.RecordingNotifier{}
	e, _ := newTestEngine(t, store.NewMemStore(), WithNotifier(notifier))
	task := taskWithConfig(store.TaskAutomated, map[string]any{
		"actionType": "send_email",
		"email": map[string]any{
			"to":      []any{"ops@example.com"},
			"subject": "Order for {{customer}}",
			"body":    "Hello {{customer}}",
		},
	})

	res := e.dispatch(context.Background(), task)
	if !res.Success {
		t.Fatalf("send_email failed: %+v", res)
	}
	if notifier.Count() != 1 {
		t.Fatalf("notifications sent = %d, want 1", notifier.Count())
	}
	sent := notifier.Sent[0]
	if sent.Subject != "Order for Ada" || sent.Body != "Hello Ada" {
		t.Errorf("templates not rendered: %+v", sent)
	}
}

func TestHandleAutomatedWebhook(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	e, _ := newTestEngine(t, store.NewMemStore())
	task := taskWithConfig(store.TaskAutomated, map[string]any{
		"actionType": "webhook",
		"webhook": map[string]any{
			"url":  server.URL + "/hook",
			"body": map[string]any{"event": "created"},
		},
	})

	res := e.dispatch(context.Background(), task)
	if !res.Success {
		t.Fatalf("webhook failed: %+v", res)
	}
	if gotPath != "/hook" {
		t.Errorf("request path = %q", gotPath)
	}
	if res.Output["statusCode"] != http.StatusOK {
		t.Errorf("output = %v", res.Output)
	}
}

func TestHandleLLM(t *testing.T) {
	t.Run("empty prompt is permanent", func(t *testing.T) {
		e, _ := newTestEngine(t, store.NewMemStore(), WithChatModel(&model.MockChatModel{}))
		task := taskWithConfig(store.TaskLLM, map[string]any{"prompt": "  "})
		res := e.dispatch(context.Background(), task)
		if res.Success || !res.Permanent {
			t.Fatalf("got %+v, want permanent failure", res)
		}
	})

	t.Run("success returns response text", func(t *testing.T) {
		mock := &model.MockChatModel{Responses: []model.ChatOut{{Text: "looks good"}}}
		e, _ := newTestEngine(t, store.NewMemStore(), WithChatModel(mock))
		task := taskWithConfig(store.TaskLLM, map[string]any{"prompt": "Review order for {{customer}}"})

		res := e.dispatch(context.Background(), task)
		if !res.Success || res.Output["response"] != "looks good" {
			t.Fatalf("got %+v", res)
		}
		if mock.CallCount() != 1 {
			t.Fatalf("chat calls = %d", mock.CallCount())
		}
		// State fields render into the prompt before the call.
		prompt := mock.Calls[0].Messages[len(mock.Calls[0].Messages)-1].Content
		if prompt != "Review order for Ada" {
			t.Errorf("prompt = %q", prompt)
		}
	})

	t.Run("provider failure uses fallback", func(t *testing.T) {
		mock := &model.MockChatModel{Err: errors.New("rate limited")}
		e, _ := newTestEngine(t, store.NewMemStore(), WithChatModel(mock))
		task := taskWithConfig(store.TaskLLM, map[string]any{
			"prompt":         "classify",
			"fallbackAction": "route_to_human",
		})

		res := e.dispatch(context.Background(), task)
		if !res.Success {
			t.Fatalf("fallback should convert failure to success, got %+v", res)
		}
		if res.Output["fallbackAction"] != "route_to_human" {
			t.Errorf("output = %v", res.Output)
		}
	})

	t.Run("provider failure without fallback retries", func(t *testing.T) {
		mock := &model.MockChatModel{Err: errors.New("rate limited")}
		e, _ := newTestEngine(t, store.NewMemStore(), WithChatModel(mock))
		task := taskWithConfig(store.TaskLLM, map[string]any{"prompt": "classify"})

		res := e.dispatch(context.Background(), task)
		if res.Success || res.Permanent {
			t.Fatalf("got %+v, want retryable failure", res)
		}
	})

	t.Run("disabled llm falls back", func(t *testing.T) {
		e, _ := newTestEngine(t, store.NewMemStore(), WithChatModel(&model.MockChatModel{}), WithLLMDisabled())
		task := taskWithConfig(store.TaskLLM, map[string]any{
			"prompt":         "classify",
			"fallbackAction": "skip",
		})
		res := e.dispatch(context.Background(), task)
		if !res.Success || res.Output["fallbackAction"] != "skip" {
			t.Fatalf("got %+v", res)
		}
	})
}

func TestHandleNotification(t *testing.T) {
	notifier := &action.RecordingNotifier{}
	e, _ := newTestEngine(t, store.NewMemStore(), WithNotifier(notifier))
	task := taskWithConfig(store.TaskNotification, map[string]any{
		"channel": "slack",
		"to":      []any{"#ops"},
		"body":    "deployment finished",
	})

	res := e.dispatch(context.Background(), task)
	if !res.Success {
		t.Fatalf("notification failed: %+v", res)
	}
	if notifier.Count() != 1 || notifier.Sent[0].Channel != "slack" {
		t.Errorf("sent = %+v", notifier.Sent)
	}
}

func TestHandleBulkImportRows(t *testing.T) {
	var imported []map[string]any
	rowFn := func(ctx context.Context, row map[string]any) error {
		if row["sku"] == "bad" {
			return errors.New("rejected")
		}
		imported = append(imported, row)
		return nil
	}
	e, _ := newTestEngine(t, store.NewMemStore(), WithImportRowFunc(rowFn))
	task := taskWithConfig(store.TaskBulkImport, map[string]any{
		"rows": []any{
			map[string]any{"sku": "a-1"},
			map[string]any{"sku": "bad"},
			map[string]any{"sku": "a-2"},
		},
	})

	res := e.dispatch(context.Background(), task)
	if !res.Success {
		t.Fatalf("import failed: %+v", res)
	}
	if res.Output["totalRows"] != 3 || res.Output["loadedRows"] != 2 || res.Output["failedRows"] != 1 {
		t.Errorf("summary = %v", res.Output)
	}
	if len(imported) != 2 {
		t.Errorf("imported %d rows, want 2", len(imported))
	}
}

func TestHandleTimerAndEventAreNoops(t *testing.T) {
	e, _ := newTestEngine(t, store.NewMemStore())
	for _, taskType := range []store.TaskType{store.TaskTimer, store.TaskEvent} {
		res := e.dispatch(context.Background(), &store.Task{ID: "t", Type: taskType})
		if !res.Success {
			t.Errorf("%s task should complete immediately, got %+v", taskType, res)
		}
	}
}
