// Package agents spawns coding-agent subprocesses inside isolated
// workspaces, streams their output line by line, and enforces wall-clock
// deadlines. The agents themselves are external tools; this package only
// knows how to launch and watch them.
package agents

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/arctek/awc/kanban"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Variant describes one launchable agent: a command-line tool that reads a
// task prompt on stdin, edits the working directory, and prints progress as
// line-delimited UTF-8.
type Variant struct {
	Name    string
	Command string
	Args    []string
	// ExtraEnv is appended to the sanitised child environment,
	// KEY=VALUE form.
	ExtraEnv []string
}

// DefaultVariant is used when a card names no agent.
const DefaultVariant = "claude"

// builtins are the agent CLIs the orchestrator knows how to drive. Each one
// is expected to authenticate through its own configuration; the spawner
// strips user-level API credentials before exec.
var builtins = map[string]Variant{
	"claude": {
		Name:    "claude",
		Command: "claude",
		Args:    []string{"--print", "--dangerously-skip-permissions"},
	},
	"codex": {
		Name:    "codex",
		Command: "codex",
		Args:    []string{"exec", "--full-auto"},
	},
	"aider": {
		Name:    "aider",
		Command: "aider",
		Args:    []string{"--yes-always", "--no-stream"},
	},
	"local": {
		Name:    "local",
		Command: "awc-local-agent",
	},
}

// Registry resolves agent names to variants. Custom variants (from config)
// shadow the built-ins.
type Registry struct {
	custom map[string]Variant
}

// NewRegistry creates a registry with the given custom variants layered
// over the built-ins.
func NewRegistry(custom []Variant) *Registry {
	m := make(map[string]Variant, len(custom))
	for _, v := range custom {
		m[strings.ToLower(v.Name)] = v
	}
	return &Registry{custom: m}
}

// Resolve returns the variant for name, or the default variant for an empty
// name. Unknown names are a validation error.
func (r *Registry) Resolve(name string) (Variant, error) {
	if name == "" {
		name = DefaultVariant
	}
	key := strings.ToLower(name)
	if r != nil {
		if v, ok := r.custom[key]; ok {
			return v, nil
		}
	}
	if v, ok := builtins[key]; ok {
		return v, nil
	}
	return Variant{}, kanban.Validationf("unknown agent variant %q", name)
}

// Available reports whether the variant's command can be found on PATH.
func (v Variant) Available() bool {
	_, err := exec.LookPath(v.Command)
	return err == nil
}

var titleCaser = cases.Title(language.English)

// BuildPrompt renders the task prompt an agent receives on stdin: the card,
// the saved context from earlier sessions, and the steering corrections it
// must honour.
func BuildPrompt(card *kanban.KanbanCard, corrections []kanban.SteeringCorrection, skills []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task: %s\n\n", card.Title)
	if card.Description != "" {
		b.WriteString(card.Description)
		b.WriteString("\n\n")
	}
	if card.ContextSnapshot != "" {
		b.WriteString("## Context from previous session\n\n")
		b.WriteString(card.ContextSnapshot)
		b.WriteString("\n\n")
	}
	if len(skills) > 0 {
		b.WriteString("## Relevant skills\n\n")
		for _, s := range skills {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		b.WriteString("\n")
	}
	if len(corrections) > 0 {
		b.WriteString("## Standing corrections\n\n")
		for _, c := range corrections {
			fmt.Fprintf(&b, "- [%s] %s\n", titleCaser.String(string(c.Domain)), c.Correction)
		}
		b.WriteString("\n")
	}
	b.WriteString("Work only inside the current directory. ")
	b.WriteString("Print a line containing exactly DONE when the task is complete.\n")
	return b.String()
}
