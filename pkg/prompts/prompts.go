// Package prompts holds the LLM prompt templates used for script and
// segment prompt generation. Defaults are embedded; a prompts.yaml next
// to the binary overrides them.
package prompts

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

type Prompts struct {
	System  SystemPrompts  `yaml:"system"`
	Script  ScriptPrompts  `yaml:"script"`
	Segment SegmentPrompts `yaml:"segment"`
}

type SystemPrompts struct {
	Script    string `yaml:"script"`
	Image     string `yaml:"image"`
	Animation string `yaml:"animation"`
}

type ScriptPrompts struct {
	Generate string `yaml:"generate"`
}

type SegmentPrompts struct {
	Image     string `yaml:"image"`
	Animation string `yaml:"animation"`
}

type ScriptParams struct {
	Topic     string
	WordCount int
	Duration  int
}

type SegmentParams struct {
	Text string
}

// Load returns the embedded defaults, overridden by prompts.yaml when
// one exists in the working directory.
func Load() (*Prompts, error) {
	if _, err := os.Stat("prompts.yaml"); err == nil {
		return LoadFrom("prompts.yaml")
	}

	var p Prompts
	if err := yaml.Unmarshal(defaultPrompts, &p); err != nil {
		return nil, fmt.Errorf("parse embedded prompts: %w", err)
	}
	return &p, nil
}

func LoadFrom(path string) (*Prompts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}

	var p Prompts
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse prompts file: %w", err)
	}
	return &p, nil
}

func (p *Prompts) RenderScript(params ScriptParams) (string, error) {
	return render(p.Script.Generate, params)
}

func (p *Prompts) RenderImage(params SegmentParams) (string, error) {
	return render(p.Segment.Image, params)
}

func (p *Prompts) RenderAnimation(params SegmentParams) (string, error) {
	return render(p.Segment.Animation, params)
}

func render(tmpl string, data any) (string, error) {
	t, err := template.New("prompt").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return buf.String(), nil
}
