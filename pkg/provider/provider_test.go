package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/brightming/genflow/pkg/model"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want model.ErrorClass
	}{
		{"nil", nil, model.ErrorClassNone},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), model.ErrorClassTimeout},
		{"cancel", context.Canceled, model.ErrorClassCancelled},
		{"429", httpError(http.StatusTooManyRequests, nil), model.ErrorClassRateLimited},
		{"503", httpError(http.StatusServiceUnavailable, nil), model.ErrorClassTransient},
		{"401", httpError(http.StatusUnauthorized, nil), model.ErrorClassAuth},
		{"400", httpError(http.StatusBadRequest, nil), model.ErrorClassRejected},
		{"filter", &ProviderError{Type: TypeContentFilter}, model.ErrorClassRejected},
		{"plain", errors.New("weird"), model.ErrorClassInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("got %s want %s", got, tt.want)
			}
		})
	}
	if !IsRetryable(httpError(http.StatusBadGateway, nil)) || IsRetryable(httpError(http.StatusForbidden, nil)) {
		t.Fatalf("retryable mapping broken")
	}
}

func TestOpenAIClientGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" || r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "gpt-test" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"A story."},"finish_reason":"stop"}],"usage":{"prompt_tokens":7,"completion_tokens":3}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(&Config{APIKey: "k", Endpoint: srv.URL + "/", Model: "gpt-test", Timeout: time.Second})
	res, err := c.Generate(context.Background(), &GenerateRequest{Prompt: "tell me"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "A story." || res.TokensInput != 7 || res.TokensOutput != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestOpenAIClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewOpenAIClient(&Config{APIKey: "k", Endpoint: srv.URL})
	_, err := c.Generate(context.Background(), &GenerateRequest{Prompt: "x"})
	if Classify(err) != model.ErrorClassTransient {
		t.Fatalf("expected transient, got %v", err)
	}
}

func TestAliyunClientBusinessError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"DataInspectionFailed","message":"inappropriate"}`))
	}))
	defer srv.Close()

	c := NewAliyunClient(&Config{APIKey: "k", Endpoint: srv.URL})
	_, err := c.Generate(context.Background(), &GenerateRequest{Prompt: "x"})
	if Classify(err) != model.ErrorClassRejected {
		t.Fatalf("expected rejected, got %v", err)
	}
}

func TestStaticClientHonoursCancel(t *testing.T) {
	c := NewStaticClient(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Generate(ctx, &GenerateRequest{Prompt: "x"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancel, got %v", err)
	}

	res, err := NewStaticClient(0).Generate(context.Background(), &GenerateRequest{Prompt: "A fox finds a key"})
	if err != nil || res.Text == "" || res.TokensOutput == 0 {
		t.Fatalf("static generate: %+v %v", res, err)
	}
}

func TestFactory(t *testing.T) {
	f := NewFactory()
	if _, err := f.Create(model.ProviderDescriptor{ID: "x", Vendor: "openai"}, ""); err == nil {
		t.Fatalf("openai without key must fail")
	}
	if _, err := f.Create(model.ProviderDescriptor{ID: "x", Vendor: "nope"}, ""); err == nil {
		t.Fatalf("unknown vendor must fail")
	}
	c, err := f.Create(model.ProviderDescriptor{ID: "s", Vendor: "static"}, "")
	if err != nil || c == nil {
		t.Fatalf("static: %v", err)
	}
}

func TestHTTPErrorKeepsUTF8(t *testing.T) {
	e := httpError(http.StatusBadGateway, []byte(strings.Repeat("上游服务繁忙", 60)))
	if len(e.Message) > 512 || !utf8.ValidString(e.Message) {
		t.Fatalf("message cut mid-character: %d bytes, valid=%v", len(e.Message), utf8.ValidString(e.Message))
	}
	if got := firstLine(strings.Repeat("故事", 100) + "\nsecond"); len(got) > 200 || !utf8.ValidString(got) {
		t.Fatalf("first line cut mid-character: %q", got)
	}
}
