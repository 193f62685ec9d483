package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry() *Registry {
	r := NewRegistry(quietLogger())
	r.Register(&Tool{
		Name:        "gamma",
		Description: "Tool gamma",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text":  map[string]any{"type": "string", "minLength": 1},
				"count": map[string]any{"type": "integer"},
				"tags":  map[string]any{"type": "array"},
				"mode":  map[string]any{"type": "string", "enum": []string{"brief", "full"}},
			},
			"required": []string{"text"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			return "gamma:" + args["text"].(string), nil
		},
	})
	r.Register(&Tool{
		Name:        "alpha",
		Description: "Tool alpha",
		Handler: func(context.Context, map[string]any) (string, error) {
			return "", errors.New("backend exploded")
		},
	})
	r.Register(&Tool{
		Name:        "beta",
		Description: "Tool beta",
		Handler: func(context.Context, map[string]any) (string, error) {
			panic("nil map")
		},
	})
	return r
}

func TestRegistry_ListSortedDeclarations(t *testing.T) {
	r := newTestRegistry()
	list := r.List()

	var names []string
	for _, decl := range list {
		if decl["type"] != "function" {
			t.Errorf("type = %v", decl["type"])
		}
		fn := decl["function"].(map[string]any)
		names = append(names, fn["name"].(string))
	}
	if strings.Join(names, ",") != "alpha,beta,gamma" {
		t.Errorf("names = %v", names)
	}
}

func TestRegistry_Execute(t *testing.T) {
	r := newTestRegistry()

	tests := []struct {
		name      string
		tool      string
		args      string
		want      string
		wantUnav  bool
		wantInval string
	}{
		{name: "ok", tool: "gamma", args: `{"text":"hi","count":2}`, want: "gamma:hi"},
		{name: "extra field allowed", tool: "gamma", args: `{"text":"hi","extra":true}`, want: "gamma:hi"},
		{name: "unknown tool", tool: "delta", args: `{}`, wantUnav: true},
		{name: "not an object", tool: "gamma", args: `["hi"]`, wantInval: "not a JSON object"},
		{name: "malformed json", tool: "gamma", args: `{"text":`, wantInval: "not a JSON object"},
		{name: "missing required", tool: "gamma", args: `{}`, wantInval: "text"},
		{name: "empty args missing required", tool: "gamma", args: ``, wantInval: "text"},
		{name: "null required", tool: "gamma", args: `{"text":null}`, wantInval: "text"},
		{name: "wrong type", tool: "gamma", args: `{"text":42}`, wantInval: "text"},
		{name: "non-integer", tool: "gamma", args: `{"text":"x","count":1.5}`, wantInval: "count"},
		{name: "array type", tool: "gamma", args: `{"text":"x","tags":"a"}`, wantInval: "tags"},
		{name: "too short", tool: "gamma", args: `{"text":""}`, wantInval: "text"},
		{name: "enum violation", tool: "gamma", args: `{"text":"x","mode":"loud"}`, wantInval: "mode"},
		{name: "enum member", tool: "gamma", args: `{"text":"x","mode":"full"}`, want: "gamma:x"},
		{name: "integral float", tool: "gamma", args: `{"text":"x","count":2.0}`, want: "gamma:x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Execute(context.Background(), tt.tool, tt.args)

			var unav *ErrToolUnavailable
			var inval *ErrInvalidArguments
			switch {
			case tt.wantUnav:
				if !errors.As(err, &unav) || unav.ToolName != tt.tool {
					t.Fatalf("err = %v, want ErrToolUnavailable", err)
				}
			case tt.wantInval != "":
				if !errors.As(err, &inval) || !strings.Contains(inval.Error(), tt.wantInval) {
					t.Fatalf("err = %v, want ErrInvalidArguments containing %q", err, tt.wantInval)
				}
			default:
				if err != nil || got != tt.want {
					t.Fatalf("Execute = %q, %v; want %q", got, err, tt.want)
				}
			}
		})
	}
}

func TestRegistry_RegisterRejectsBadSchema(t *testing.T) {
	r := NewRegistry(quietLogger())
	defer func() {
		if recover() == nil {
			t.Fatal("Register did not panic on an uncompilable schema")
		}
		if r.Get("broken") != nil {
			t.Error("broken tool was registered")
		}
	}()
	r.Register(&Tool{
		Name:       "broken",
		Parameters: map[string]any{"type": 5},
		Handler:    func(context.Context, map[string]any) (string, error) { return "", nil },
	})
}

func TestRegistry_InvokeNeverFails(t *testing.T) {
	r := newTestRegistry()

	tests := []struct {
		name    string
		tool    string
		args    string
		wantErr string
	}{
		{name: "unknown tool", tool: "delta", args: `{}`, wantErr: `tool "delta" is not available`},
		{name: "invalid args", tool: "gamma", args: `{}`, wantErr: "invalid arguments"},
		{name: "handler error", tool: "alpha", args: `{}`, wantErr: "backend exploded"},
		{name: "handler panic", tool: "beta", args: `{}`, wantErr: "panicked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := r.Invoke(context.Background(), tt.tool, tt.args)
			if inv.OK || inv.Err == nil {
				t.Fatalf("Invoke = %+v, want failure", inv)
			}

			var payload map[string]string
			if err := json.Unmarshal([]byte(inv.Result), &payload); err != nil {
				t.Fatalf("result %q is not JSON: %v", inv.Result, err)
			}
			if !strings.Contains(payload["error"], tt.wantErr) {
				t.Errorf("error = %q, want containing %q", payload["error"], tt.wantErr)
			}
			if payload["tool"] != tt.tool {
				t.Errorf("tool = %q", payload["tool"])
			}
		})
	}
}

func TestRegistry_InvokeIsRepeatable(t *testing.T) {
	r := newTestRegistry()
	first := r.Invoke(context.Background(), "delta", `{"x":1}`)
	second := r.Invoke(context.Background(), "delta", `{"x":1}`)
	if first.Result != second.Result {
		t.Errorf("error payloads differ: %q vs %q", first.Result, second.Result)
	}
}

func TestRegistry_InvokeTimeout(t *testing.T) {
	r := NewRegistry(quietLogger())
	r.Register(&Tool{
		Name: "slow",
		Handler: func(ctx context.Context, _ map[string]any) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	inv := r.Invoke(ctx, "slow", `{}`)
	if inv.OK {
		t.Fatal("expected failure")
	}
	if !strings.Contains(inv.Result, `timed out`) {
		t.Errorf("result = %q", inv.Result)
	}
}

func TestRegistry_InvokeSuccess(t *testing.T) {
	r := newTestRegistry()
	inv := r.Invoke(WithThreadID(context.Background(), "t1"), "gamma", `{"text":"ok"}`)
	if !inv.OK || inv.Result != "gamma:ok" || inv.Err != nil {
		t.Errorf("Invoke = %+v", inv)
	}
}

func TestThreadIDFromContext(t *testing.T) {
	if got := ThreadIDFromContext(context.Background()); got != "" {
		t.Errorf("empty ctx = %q", got)
	}
	if got := ThreadIDFromContext(WithThreadID(context.Background(), "abc")); got != "abc" {
		t.Errorf("got %q", got)
	}
}

func TestErrToolUnavailable_Error(t *testing.T) {
	err := &ErrToolUnavailable{ToolName: "reset_password"}
	want := `tool "reset_password" is not available in this context`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
