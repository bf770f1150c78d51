package prompt

import (
	"strings"
	"testing"

	"github.com/brightming/genflow/internal/asset"
	"github.com/brightming/genflow/pkg/model"
)

func TestAssembleTemplate(t *testing.T) {
	req := model.GenerationRequest{
		Prompt: "  a turtle   who wants to fly ",
		Parameters: model.Parameters{
			AgeBand:         model.AgePreschool,
			LengthTarget:    model.LengthShort,
			Themes:          []string{"the moon"},
			VocabularyFocus: []string{"orbit"},
			TemplateID:      "adventure",
			CharacterName:   "Tilly",
		},
	}
	out, err := Assemble(req, []asset.Analysis{{Kind: "character", Summary: "a green turtle", Keywords: []string{"turtle"}}})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	for _, want := range []string{
		"Create a story about Tilly who goes on an adventure to the moon.",
		"Story idea: a turtle who wants to fly",
		"children aged 4-6",
		"about 300 words",
		"orbit",
		"Include the character: a green turtle (turtle)",
	} {
		if !strings.Contains(out.User, want) {
			t.Fatalf("assembled prompt missing %q:\n%s", want, out.User)
		}
	}
	if out.MaxTokens != 600 {
		t.Fatalf("max tokens = %d", out.MaxTokens)
	}
	if out.Title != "The A Turtle Who Wants To Adventure" {
		t.Fatalf("title = %q", out.Title)
	}

	again, _ := Assemble(req, []asset.Analysis{{Kind: "character", Summary: "a green turtle", Keywords: []string{"turtle"}}})
	if again != out {
		t.Fatalf("assembly must be deterministic")
	}
}

func TestAssembleRejectsUnknown(t *testing.T) {
	if _, err := Assemble(model.GenerationRequest{Prompt: "x", Parameters: model.Parameters{AgeBand: model.AgeMiddle, TemplateID: "nope"}}, nil); err == nil {
		t.Fatalf("unknown template must fail")
	}
	if _, err := Assemble(model.GenerationRequest{Prompt: "x", Parameters: model.Parameters{AgeBand: model.AgeMiddle, LengthTarget: "epic"}}, nil); err == nil {
		t.Fatalf("unknown length must fail")
	}
}

func TestTitle(t *testing.T) {
	tests := []struct {
		prompt, title, want string
	}{
		{"dragon", "", "The Dragon Adventure"},
		{"", "", "The Adventure"},
		{"whatever", "My Own Title", "My Own Title"},
	}
	for _, tt := range tests {
		out, err := Assemble(model.GenerationRequest{Prompt: tt.prompt, Parameters: model.Parameters{AgeBand: model.AgeMiddle, Title: tt.title}}, nil)
		if err != nil {
			t.Fatalf("assemble: %v", err)
		}
		if out.Title != tt.want {
			t.Fatalf("title(%q, %q) = %q, want %q", tt.prompt, tt.title, out.Title, tt.want)
		}
	}
}

func TestListTemplates(t *testing.T) {
	list := ListTemplates()
	if len(list) != 4 {
		t.Fatalf("templates = %d", len(list))
	}
	list[0].ID = "changed"
	if _, ok := TemplateByID("adventure"); !ok {
		t.Fatalf("ListTemplates must return a copy")
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize(" a\tb \n c "); got != "a b c" {
		t.Fatalf("normalize = %q", got)
	}
	// e + combining acute 与预组合字符等价
	if Normalize("cafe\u0301") != Normalize("caf\u00e9") {
		t.Fatalf("normalize must apply NFC")
	}
}
