package protocol

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/xeipuuv/gojsonschema"
)

// Documented defaults for generation options. Unset fields fall back to these
// when the envelope is encoded.
const (
	DefaultDoWebSearch      = false
	DefaultDoVectorSearch   = false
	DefaultTemperature      = 0.7
	DefaultMaxTokens        = 1024
	DefaultTopP             = 1.0
	DefaultFrequencyPenalty = 0.0
	DefaultPresencePenalty  = 0.0
	maxStopSequences        = 4
)

// Options carries generation parameters for an outbound message. Every field
// is optional; nil means "use the documented default".
type Options struct {
	DoWebSearch      *bool    `json:"do_web_search,omitempty"`
	DoVectorSearch   *bool    `json:"do_vector_search,omitempty"`
	ProviderName     string   `json:"provider_name,omitempty"`
	ModelName        string   `json:"model_name,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	Stop             []string `json:"stop,omitempty"`
}

const optionsSchemaJSON = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"do_web_search":     {"type": "boolean"},
		"do_vector_search":  {"type": "boolean"},
		"provider_name":     {"type": "string"},
		"model_name":        {"type": "string"},
		"temperature":       {"type": "number", "minimum": 0, "maximum": 2},
		"max_tokens":        {"type": "integer", "minimum": 1},
		"top_p":             {"type": "number", "minimum": 0, "maximum": 1},
		"frequency_penalty": {"type": "number", "minimum": -2, "maximum": 2},
		"presence_penalty":  {"type": "number", "minimum": -2, "maximum": 2},
		"stop":              {"type": "array", "maxItems": 4, "items": {"type": "string"}}
	}
}`

var optionsSchema = mustSchema("options", optionsSchemaJSON)

// OptionsFromMap builds Options from loosely typed input (CLI flags, config
// files). Unknown keys and out-of-range values are rejected.
func OptionsFromMap(raw map[string]any) (Options, error) {
	var opts Options
	if len(raw) == 0 {
		return opts, nil
	}

	result, err := optionsSchema.Validate(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return opts, &ValidationError{Field: "options", Errors: []string{err.Error()}}
	}
	if !result.Valid() {
		return opts, &ValidationError{Field: "options", Errors: schemaErrors(result)}
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return opts, &ValidationError{Field: "options", Errors: []string{err.Error()}}
	}
	if err := json.Unmarshal(data, &opts); err != nil {
		return opts, &ValidationError{Field: "options", Errors: []string{err.Error()}}
	}
	return opts, nil
}

// Validate checks value ranges for options built directly in Go.
func (o Options) Validate() error {
	switch {
	case o.Temperature != nil && (*o.Temperature < 0 || *o.Temperature > 2):
		return invalid("temperature", "must be within [0, 2], got %v", *o.Temperature)
	case o.MaxTokens != nil && *o.MaxTokens < 1:
		return invalid("max_tokens", "must be positive, got %d", *o.MaxTokens)
	case o.TopP != nil && (*o.TopP < 0 || *o.TopP > 1):
		return invalid("top_p", "must be within [0, 1], got %v", *o.TopP)
	case o.FrequencyPenalty != nil && (*o.FrequencyPenalty < -2 || *o.FrequencyPenalty > 2):
		return invalid("frequency_penalty", "must be within [-2, 2], got %v", *o.FrequencyPenalty)
	case o.PresencePenalty != nil && (*o.PresencePenalty < -2 || *o.PresencePenalty > 2):
		return invalid("presence_penalty", "must be within [-2, 2], got %v", *o.PresencePenalty)
	case len(o.Stop) > maxStopSequences:
		return invalid("stop", "at most %d stop sequences, got %d", maxStopSequences, len(o.Stop))
	}
	return nil
}

// WithDefaults returns a copy where every unset field carries its documented default.
func (o Options) WithDefaults() Options {
	out := o
	if out.DoWebSearch == nil {
		out.DoWebSearch = Bool(DefaultDoWebSearch)
	}
	if out.DoVectorSearch == nil {
		out.DoVectorSearch = Bool(DefaultDoVectorSearch)
	}
	if out.Temperature == nil {
		out.Temperature = Float(DefaultTemperature)
	}
	if out.MaxTokens == nil {
		out.MaxTokens = Int(DefaultMaxTokens)
	}
	if out.TopP == nil {
		out.TopP = Float(DefaultTopP)
	}
	if out.FrequencyPenalty == nil {
		out.FrequencyPenalty = Float(DefaultFrequencyPenalty)
	}
	if out.PresencePenalty == nil {
		out.PresencePenalty = Float(DefaultPresencePenalty)
	}
	if out.Stop != nil {
		out.Stop = append([]string(nil), o.Stop...)
	}
	return out
}

// Merge overlays the fields set in override on top of o.
func (o Options) Merge(override Options) Options {
	out := o
	if override.DoWebSearch != nil {
		out.DoWebSearch = override.DoWebSearch
	}
	if override.DoVectorSearch != nil {
		out.DoVectorSearch = override.DoVectorSearch
	}
	if override.ProviderName != "" {
		out.ProviderName = override.ProviderName
	}
	if override.ModelName != "" {
		out.ModelName = override.ModelName
	}
	if override.Temperature != nil {
		out.Temperature = override.Temperature
	}
	if override.MaxTokens != nil {
		out.MaxTokens = override.MaxTokens
	}
	if override.TopP != nil {
		out.TopP = override.TopP
	}
	if override.FrequencyPenalty != nil {
		out.FrequencyPenalty = override.FrequencyPenalty
	}
	if override.PresencePenalty != nil {
		out.PresencePenalty = override.PresencePenalty
	}
	if override.Stop != nil {
		out.Stop = override.Stop
	}
	return out
}

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// Float returns a pointer to f.
func Float(f float64) *float64 { return &f }

// Int returns a pointer to i.
func Int(i int) *int { return &i }

func mustSchema(name, src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("protocol: invalid %s schema: %v", name, err))
	}
	return schema
}

func schemaErrors(result *gojsonschema.Result) []string {
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	sort.Strings(msgs)
	return msgs
}
