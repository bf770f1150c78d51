// Package prompt 把请求参数和素材分析组装成发给Provider的提示词
package prompt

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/brightming/genflow/internal/asset"
	"github.com/brightming/genflow/pkg/model"
)

// SystemPrompt 所有生成共用的系统提示词
const SystemPrompt = "You are a children's author. Write warm, age-appropriate stories with no violence, " +
	"no frightening content and no personal information such as names of real people, addresses, phone numbers or links."

var targetWords = map[model.LengthTarget]int{
	model.LengthShort:  300,
	model.LengthMedium: 600,
	model.LengthLong:   1000,
}

var ageGuidance = map[model.AgeBand]string{
	model.AgeToddler:     "Use very short sentences of at most 8 words and simple everyday words.",
	model.AgePreschool:   "Use short sentences of at most 12 words and familiar words.",
	model.AgeEarlyReader: "Use sentences of at most 15 words; introduce a few new words with context.",
	model.AgeMiddle:      "Use varied sentences of at most 20 words and a richer vocabulary.",
}

// Assembled 组装结果
type Assembled struct {
	System    string
	User      string
	Title     string
	MaxTokens int
}

// Assemble 确定性地组装提示词，相同输入得到相同输出
func Assemble(req model.GenerationRequest, assets []asset.Analysis) (Assembled, error) {
	params := req.Parameters
	length := params.LengthTarget
	if length == "" {
		length = model.LengthMedium
	}
	words, ok := targetWords[length]
	if !ok {
		return Assembled{}, fmt.Errorf("unknown length target %q", length)
	}

	var b strings.Builder
	if params.TemplateID != "" {
		tpl, ok := TemplateByID(params.TemplateID)
		if !ok {
			return Assembled{}, fmt.Errorf("unknown template %q", params.TemplateID)
		}
		b.WriteString(fill(tpl.PromptTemplate, params))
		b.WriteString("\n")
	}
	b.WriteString("Story idea: ")
	b.WriteString(Normalize(req.Prompt))
	b.WriteString("\n")
	fmt.Fprintf(&b, "Audience: children aged %s. %s\n", params.AgeBand, ageGuidance[params.AgeBand])
	fmt.Fprintf(&b, "Length: about %d words.\n", words)
	if len(params.Themes) > 0 {
		fmt.Fprintf(&b, "Themes: %s.\n", strings.Join(params.Themes, ", "))
	}
	if len(params.VocabularyFocus) > 0 {
		fmt.Fprintf(&b, "Naturally use these words: %s.\n", strings.Join(params.VocabularyFocus, ", "))
	}
	for _, a := range assets {
		fmt.Fprintf(&b, "Include the %s: %s", orDefault(a.Kind, "element"), a.Summary)
		if len(a.Keywords) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(a.Keywords, ", "))
		}
		b.WriteString(".\n")
	}
	if params.IncludeImages {
		b.WriteString("After each paragraph add one line starting with \"Illustration:\" describing a picture.\n")
	}

	title := strings.TrimSpace(params.Title)
	if title == "" {
		title = DeriveTitle(req.Prompt)
	}
	return Assembled{
		System:    SystemPrompt,
		User:      strings.TrimSpace(b.String()),
		Title:     title,
		MaxTokens: words * 2,
	}, nil
}

// MaxTokens 篇幅目标对应的输出token上限，未知篇幅按 medium
func MaxTokens(length model.LengthTarget) int {
	words, ok := targetWords[length]
	if !ok {
		words = targetWords[model.LengthMedium]
	}
	return words * 2
}

// Normalize NFC规范化、合并空白、去首尾空白
func Normalize(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// DeriveTitle 取提示词前五个词："The <words> Adventure"
func DeriveTitle(prompt string) string {
	words := strings.Fields(Normalize(prompt))
	if len(words) > 5 {
		words = words[:5]
	}
	if len(words) == 0 {
		return "The Adventure"
	}
	caser := cases.Title(language.English)
	return "The " + caser.String(strings.Join(words, " ")) + " Adventure"
}

func fill(tpl string, p model.Parameters) string {
	theme := "the world around them"
	if len(p.Themes) > 0 {
		theme = p.Themes[0]
	}
	return strings.NewReplacer(
		"{character_name}", orDefault(strings.TrimSpace(p.CharacterName), "a curious child"),
		"{destination}", theme,
		"{theme}", theme,
	).Replace(tpl)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
