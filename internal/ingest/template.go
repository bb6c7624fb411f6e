package ingest

import (
	"strings"

	"github.com/rakunlabs/aiservice/internal/domain"
	"github.com/rakunlabs/aiservice/internal/render"
)

// Template holds the extractor prompt and product-sentence rendering
// template for one (industry, data_type) pair. Selected by
// TemplateFor; falls back to the generic template when no specialized
// one is registered (§4.3 step 4).
type Template struct {
	Industry       domain.Industry
	DataType       domain.DataType
	ExtractPrompt  string
	SentenceTmpl   string // Go template rendering one extracted item into a sentence
}

func key(industry domain.Industry, dataType domain.DataType) string {
	return string(industry) + "|" + string(dataType)
}

// templates is the fixed registry of industry×data_type prompts,
// registered in code once at init. There is no loader for external
// template files.
var templates = map[string]Template{}

func init() {
	register(genericTemplate(domain.DataTypeProducts))
	register(genericTemplate(domain.DataTypeServices))
	register(genericTemplate(domain.DataTypeFAQ))
	register(genericTemplate(domain.DataTypeKnowledgeBase))
	register(genericTemplate(domain.DataTypeCompanyInfo))

	register(Template{
		Industry:      domain.IndustryRestaurant,
		DataType:      domain.DataTypeProducts,
		ExtractPrompt: restaurantMenuPrompt,
		SentenceTmpl:  "{{ .name }} ({{ .category }}): {{ .description }}, giá {{ .price }} {{ .currency }}.",
	})
	register(Template{
		Industry:      domain.IndustryHotel,
		DataType:      domain.DataTypeServices,
		ExtractPrompt: hotelServicePrompt,
		SentenceTmpl:  "{{ .name }} ({{ .category }}): {{ .description }}, giá {{ .price }} {{ .currency }} / {{ .unit }}.",
	})
	register(Template{
		Industry:      domain.IndustryInsurance,
		DataType:      domain.DataTypeProducts,
		ExtractPrompt: insurancePlanPrompt,
		SentenceTmpl:  "{{ .name }} ({{ .category }}): {{ .description }}. Phí: {{ .price }} {{ .currency }}.",
	})
}

func register(t Template) {
	templates[key(t.Industry, t.DataType)] = t
}

// TemplateFor picks the specialized template for (industry, dataType),
// falling back to the generic per-data-type template.
func TemplateFor(industry domain.Industry, dataType domain.DataType) Template {
	if t, ok := templates[key(industry, dataType)]; ok {
		return t
	}
	return templates[key(domain.IndustryOther, dataType)]
}

func genericTemplate(dt domain.DataType) Template {
	return Template{
		Industry:      domain.IndustryOther,
		DataType:      dt,
		ExtractPrompt: genericPromptFor(dt),
		SentenceTmpl:  "{{ .name }}: {{ .description }}{{ if .price }}, giá {{ .price }} {{ .currency }}{{ end }}.",
	}
}

func genericPromptFor(dt domain.DataType) string {
	switch dt {
	case domain.DataTypeProducts, domain.DataTypeServices:
		return "Extract every product or service as a JSON array of objects with fields: name, category, description, price, currency, unit. Respond with JSON only."
	case domain.DataTypeFAQ:
		return "Extract every question/answer pair as a JSON array of objects with fields: question, answer, category. Respond with JSON only."
	default:
		return "Extract the document content as a JSON array of objects with fields: heading, content. Respond with JSON only."
	}
}

const restaurantMenuPrompt = "Extract every menu item as a JSON array of objects with fields: name, category, description, price, currency. Use the source language for name/description. Respond with JSON only."
const hotelServicePrompt = "Extract every room type or hotel service as a JSON array of objects with fields: name, category, description, price, currency, unit (e.g. per night). Respond with JSON only."
const insurancePlanPrompt = "Extract every insurance plan as a JSON array of objects with fields: name, category, description, price, currency. Respond with JSON only."

// RenderSentence turns one extracted item (a JSON-decoded map) into the
// natural-language sentence stored as content_for_embedding (§4.2
// invariant).
func RenderSentence(t Template, item map[string]any) (string, error) {
	out, err := render.ExecuteWithData(t.SentenceTmpl, item)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
