package prompt

import "github.com/brightming/genflow/pkg/model"

// Template 内置故事模板，PromptTemplate 中的 {character_name} 等占位符由参数填充
type Template struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	AgeBands       []model.AgeBand `json:"age_bands"`
	PromptTemplate string          `json:"prompt_template"`
}

var builtinTemplates = []Template{
	{
		ID:             "adventure",
		Name:           "Adventure Story",
		Description:    "A brave hero goes on an exciting journey",
		AgeBands:       []model.AgeBand{model.AgePreschool, model.AgeEarlyReader, model.AgeMiddle},
		PromptTemplate: "Create a story about {character_name} who goes on an adventure to {destination}.",
	},
	{
		ID:             "friendship",
		Name:           "Friendship Story",
		Description:    "A heartwarming tale about making new friends",
		AgeBands:       []model.AgeBand{model.AgeToddler, model.AgePreschool, model.AgeEarlyReader},
		PromptTemplate: "Tell a story about {character_name} who learns about friendship.",
	},
	{
		ID:             "bedtime",
		Name:           "Bedtime Story",
		Description:    "A calm, gentle story that ends with sleep",
		AgeBands:       []model.AgeBand{model.AgeToddler, model.AgePreschool},
		PromptTemplate: "Tell a calm bedtime story about {character_name} getting ready to sleep after a day about {theme}.",
	},
	{
		ID:             "science",
		Name:           "Science Discovery",
		Description:    "A curious child discovers how something in nature works",
		AgeBands:       []model.AgeBand{model.AgeEarlyReader, model.AgeMiddle},
		PromptTemplate: "Write a story in which {character_name} discovers something new about {theme}.",
	},
}

// ListTemplates 返回内置模板的副本
func ListTemplates() []Template {
	out := make([]Template, len(builtinTemplates))
	copy(out, builtinTemplates)
	return out
}

// TemplateByID 按ID查模板
func TemplateByID(id string) (Template, bool) {
	for _, t := range builtinTemplates {
		if t.ID == id {
			return t, true
		}
	}
	return Template{}, false
}
