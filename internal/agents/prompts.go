package agents

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// Prompt is a pair of text/template sources.
type Prompt struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

// Prompts holds the templates of every stage agent.
type Prompts struct {
	Rephrase  Prompt `yaml:"rephrase"`
	Decompose Prompt `yaml:"decompose"`
	Research  Prompt `yaml:"research"`
	Notes     Prompt `yaml:"notes"`
	Report    Prompt `yaml:"report"`
	ReportKO  Prompt `yaml:"report_ko"`
	Manager   Prompt `yaml:"manager"`
}

// DefaultPrompts returns the built-in templates.
func DefaultPrompts() Prompts {
	var p Prompts
	if err := yaml.Unmarshal(defaultPrompts, &p); err != nil {
		panic(fmt.Sprintf("agents: embedded prompts: %v", err))
	}
	return p
}

// LoadPrompts overlays the templates found in path on the defaults. Missing
// entries keep their built-in text. An empty path returns the defaults.
func LoadPrompts(path string) (Prompts, error) {
	p := DefaultPrompts()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read prompts: %w", err)
	}
	var override Prompts
	if err := yaml.Unmarshal(data, &override); err != nil {
		return p, fmt.Errorf("parse prompts %s: %w", path, err)
	}
	merge := func(dst *Prompt, src Prompt) {
		if strings.TrimSpace(src.System) != "" {
			dst.System = src.System
		}
		if strings.TrimSpace(src.User) != "" {
			dst.User = src.User
		}
	}
	merge(&p.Rephrase, override.Rephrase)
	merge(&p.Decompose, override.Decompose)
	merge(&p.Research, override.Research)
	merge(&p.Notes, override.Notes)
	merge(&p.Report, override.Report)
	merge(&p.ReportKO, override.ReportKO)
	merge(&p.Manager, override.Manager)
	if err := p.validate(); err != nil {
		return p, err
	}
	return p, nil
}

func (p Prompts) validate() error {
	all := map[string]Prompt{
		"rephrase": p.Rephrase, "decompose": p.Decompose, "research": p.Research,
		"notes": p.Notes, "report": p.Report, "report_ko": p.ReportKO, "manager": p.Manager,
	}
	for name, pr := range all {
		for part, src := range map[string]string{"system": pr.System, "user": pr.User} {
			if _, err := parse(name+"."+part, src); err != nil {
				return err
			}
		}
	}
	return nil
}

var funcs = template.FuncMap{"join": strings.Join}

func parse(name, src string) (*template.Template, error) {
	t, err := template.New(name).Funcs(funcs).Option("missingkey=zero").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("prompt %s: %w", name, err)
	}
	return t, nil
}

// Render executes both halves of the prompt with data.
func (p Prompt) Render(name string, data any) (system, user string, err error) {
	system, err = execute(name+".system", p.System, data)
	if err != nil {
		return "", "", err
	}
	user, err = execute(name+".user", p.User, data)
	return system, strings.TrimSpace(user), err
}

func execute(name, src string, data any) (string, error) {
	t, err := parse(name, src)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("prompt %s: %w", name, err)
	}
	return b.String(), nil
}
