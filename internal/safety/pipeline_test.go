package safety

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brightming/genflow/internal/logger"
	"github.com/brightming/genflow/pkg/model"
)

const gentleStory = "Mia found a red ball. She gave it to her friend Leo. They played in the sun. It was a good day."

func TestPreCheck(t *testing.T) {
	p := NewPipeline(DefaultPolicy(), nil, logger.Nop(), nil)

	tests := []struct {
		name   string
		prompt string
		want   model.Severity
	}{
		{"clean", "a story about a friendly turtle", model.SeverityNone},
		{"violence", "a story where the knight kills the dragon", model.SeverityHigh},
		{"fear", "a story about a friendly monster", model.SeverityLow},
		{"substring is not a match", "a soldier goes on a diet", model.SeverityNone},
		{"case insensitive", "BLOOD everywhere", model.SeverityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := p.PreCheck(tt.prompt)
			if v.Severity != tt.want {
				t.Fatalf("severity = %s, want %s (%+v)", v.Severity, tt.want, v.Concerns)
			}
			if v.Stage != model.StagePreGeneration {
				t.Fatalf("stage = %s", v.Stage)
			}
			if v.Passed != (tt.want == model.SeverityNone) {
				t.Fatalf("passed = %v", v.Passed)
			}
		})
	}
}

func TestPostCheckPII(t *testing.T) {
	p := NewPipeline(DefaultPolicy(), nil, logger.Nop(), nil)
	tests := []struct {
		name    string
		content string
		want    model.Severity
	}{
		{"email", gentleStory + " Write to mia@example.com.", model.SeverityHigh},
		{"phone", gentleStory + " Call 555-123-4567.", model.SeverityHigh},
		{"url", gentleStory + " See www.example.com now.", model.SeverityHigh},
		{"address", gentleStory + " Mia lives at 12 Maple Street.", model.SeverityLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := p.PostCheck(context.Background(), tt.content, model.Parameters{AgeBand: model.AgeMiddle})
			if !v.PIIDetected {
				t.Fatalf("pii not detected: %+v", v)
			}
			if v.Severity != tt.want {
				t.Fatalf("severity = %s, want %s", v.Severity, tt.want)
			}
		})
	}
}

func TestPostCheckClean(t *testing.T) {
	p := NewPipeline(DefaultPolicy(), nil, logger.Nop(), nil)
	v := p.PostCheck(context.Background(), gentleStory, model.Parameters{AgeBand: model.AgePreschool})
	if !v.Passed || v.Severity != model.SeverityNone || v.PIIDetected || v.Inconclusive {
		t.Fatalf("expected clean verdict, got %+v", v)
	}
	if v.ReadingScore != 100 {
		t.Fatalf("reading score = %v", v.ReadingScore)
	}
}

func TestPostCheckReadingLevel(t *testing.T) {
	p := NewPipeline(DefaultPolicy(), nil, logger.Nop(), nil)
	hard := "Extraordinarily sophisticated archaeological investigations consistently demonstrated unprecedented environmental transformations throughout prehistoric civilizations surrounding Mediterranean territories."
	v := p.PostCheck(context.Background(), hard, model.Parameters{AgeBand: model.AgeToddler})
	if v.Severity != model.SeverityLow {
		t.Fatalf("severity = %s (%+v)", v.Severity, v.Concerns)
	}
	found := false
	for _, c := range v.Concerns {
		if c.Category == CategoryReadingLevel {
			found = true
		}
	}
	if !found {
		t.Fatalf("reading level concern missing: %+v", v.Concerns)
	}
}

func TestPostCheckEmpty(t *testing.T) {
	p := NewPipeline(DefaultPolicy(), nil, logger.Nop(), nil)
	v := p.PostCheck(context.Background(), "   ", model.Parameters{AgeBand: model.AgeMiddle})
	if v.Severity != model.SeverityHigh {
		t.Fatalf("empty content must be high severity: %+v", v)
	}
}

func TestPostCheckClassifier(t *testing.T) {
	policy := NewPolicy(0, 50*time.Millisecond)

	failing := ClassifierFunc(func(context.Context, string, model.AgeBand) ([]model.Concern, error) {
		return nil, errors.New("unavailable")
	})
	v := NewPipeline(policy, failing, logger.Nop(), nil).PostCheck(context.Background(), gentleStory, model.Parameters{AgeBand: model.AgeMiddle})
	if !v.Inconclusive || v.Passed || v.Severity != model.SeverityNone {
		t.Fatalf("classifier error must be inconclusive: %+v", v)
	}

	slow := ClassifierFunc(func(ctx context.Context, _ string, _ model.AgeBand) ([]model.Concern, error) {
		time.Sleep(time.Second)
		return nil, nil
	})
	start := time.Now()
	v = NewPipeline(policy, slow, logger.Nop(), nil).PostCheck(context.Background(), gentleStory, model.Parameters{AgeBand: model.AgeMiddle})
	if !v.Inconclusive {
		t.Fatalf("classifier timeout must be inconclusive: %+v", v)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("classifier timeout not enforced")
	}

	flagging := ClassifierFunc(func(context.Context, string, model.AgeBand) ([]model.Concern, error) {
		return []model.Concern{{Category: "bullying", Severity: model.SeverityHigh}}, nil
	})
	v = NewPipeline(policy, flagging, logger.Nop(), nil).PostCheck(context.Background(), gentleStory, model.Parameters{AgeBand: model.AgeMiddle})
	if v.Severity != model.SeverityHigh || v.Inconclusive {
		t.Fatalf("classifier concern not applied: %+v", v)
	}
}

func TestHTTPClassifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req classifyRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.AgeBand != model.AgeEarlyReader {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(classifyResponse{Concerns: []model.Concern{{Category: "tone", Severity: model.SeverityLow}}})
	}))
	defer srv.Close()

	concerns, err := NewHTTPClassifier(srv.URL).Classify(context.Background(), "text", model.AgeEarlyReader)
	if err != nil || len(concerns) != 1 || concerns[0].Category != "tone" {
		t.Fatalf("classify: %+v %v", concerns, err)
	}
	if _, err := NewHTTPClassifier(srv.URL).Classify(context.Background(), "text", model.AgeMiddle); err == nil {
		t.Fatalf("non-200 must be an error")
	}
}

func TestExtraDenyTerms(t *testing.T) {
	p := NewPipeline(NewPolicy(60, time.Second, "  Zombie "), nil, logger.Nop(), nil)
	v := p.PreCheck("zombies at school")
	if v.Severity != model.SeverityHigh || v.Concerns[0].Category != CategoryCustom {
		t.Fatalf("extra term not applied: %+v", v)
	}
}

func TestReadingTime(t *testing.T) {
	if got := ReadingTimeSeconds(""); got != 0 {
		t.Fatalf("empty = %d", got)
	}
	words := make([]byte, 0, 400*2)
	for i := 0; i < 400; i++ {
		words = append(words, 'a', ' ')
	}
	if got := ReadingTimeSeconds(string(words)); got != 120 {
		t.Fatalf("400 words = %d seconds", got)
	}
}
