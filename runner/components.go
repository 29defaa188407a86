package runner

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/casualjim/grimoire"
	"github.com/casualjim/grimoire/provider"
)

const (
	inputComponent      = "Input"
	outputComponent     = "Output"
	textComponent       = "Text"
	completionComponent = "Completion"

	defaultSocket = "output"
)

// DefaultComponents returns the built-in components. The Completion
// component is only included when completer is not nil.
func DefaultComponents(completer provider.Provider) []Component {
	components := []Component{InputComponent{}, OutputComponent{}, TextComponent{}}
	if completer != nil {
		components = append(components, CompletionComponent{Provider: completer})
	}
	return components
}

// InputComponent reads the run input named by data.name, falling back to
// data.defaultValue.
type InputComponent struct{}

func (InputComponent) Name() string { return inputComponent }

func (InputComponent) Work(_ context.Context, node grimoire.Node, _ map[string]any, run *Run) (map[string]any, error) {
	name := dataString(node, "name")
	if name == "" {
		return nil, fmt.Errorf("input has no name")
	}
	v, ok := run.Inputs[name]
	if !ok {
		v, ok = node.Data["defaultValue"]
	}
	if !ok {
		return nil, fmt.Errorf("missing input %q", name)
	}
	return map[string]any{defaultSocket: v}, nil
}

// OutputComponent writes its "input" socket to the run outputs under
// data.name, or "output" when unnamed.
type OutputComponent struct{}

func (OutputComponent) Name() string { return outputComponent }

func (OutputComponent) Work(_ context.Context, node grimoire.Node, inputs map[string]any, run *Run) (map[string]any, error) {
	name := dataString(node, "name")
	if name == "" {
		name = defaultSocket
	}
	run.Outputs[name] = inputs["input"]
	return nil, nil
}

// TextComponent renders data.template with the connected inputs as the
// template data. Referencing an unconnected input is an error.
type TextComponent struct{}

func (TextComponent) Name() string { return textComponent }

func (TextComponent) Work(_ context.Context, node grimoire.Node, inputs map[string]any, _ *Run) (map[string]any, error) {
	tmpl, err := template.New(fmt.Sprintf("node-%d", node.ID)).
		Option("missingkey=error").
		Parse(dataString(node, "template"))
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, inputs); err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	return map[string]any{defaultSocket: sb.String()}, nil
}

// CompletionComponent sends its "prompt" socket to the provider with the
// sampling settings found in data.
type CompletionComponent struct {
	Provider provider.Provider
}

func (CompletionComponent) Name() string { return completionComponent }

func (c CompletionComponent) Work(ctx context.Context, node grimoire.Node, inputs map[string]any, run *Run) (map[string]any, error) {
	prompt, ok := inputs["prompt"].(string)
	if !ok {
		return nil, fmt.Errorf("prompt input must be a string, got %T", inputs["prompt"])
	}
	data := provider.CompletionData{
		Model:            dataString(node, "model"),
		Prompt:           prompt,
		Temperature:      dataFloat(node, "temperature"),
		TopP:             dataFloat(node, "top_p"),
		FrequencyPenalty: dataFloat(node, "frequency_penalty"),
		PresencePenalty:  dataFloat(node, "presence_penalty"),
		Stop:             dataStrings(node, "stop"),
	}
	if mt := dataFloat(node, "max_tokens"); mt != nil {
		n := int64(*mt)
		data.MaxTokens = &n
	}

	res := c.Provider.Complete(ctx, data, run.ProjectID)
	if !res.Success || res.Choice == nil {
		return nil, fmt.Errorf("completion with model %q failed", data.Model)
	}
	return map[string]any{defaultSocket: strings.TrimSpace(res.Choice.Text)}, nil
}

func dataFloat(node grimoire.Node, key string) *float64 {
	if v, ok := node.Data[key].(float64); ok {
		return &v
	}
	return nil
}

func dataStrings(node grimoire.Node, key string) []string {
	switch v := node.Data[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
