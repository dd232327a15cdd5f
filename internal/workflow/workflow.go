// Package workflow holds the read-only registry of remediation
// workflows the operator can approve. Dispatch is a pure function
// over the notification context; nothing in the pipeline mutates the
// registry after load.
package workflow

import (
	"fmt"
	"strconv"
	"strings"
)

// Workflow is one registry entry: a remediation the operator can
// approve from chat.
type Workflow struct {
	ID      string   `json:"id"`
	Label   string   `json:"label"`
	Trigger string   `json:"trigger"`
	Command []string `json:"command"`
}

// Context carries the notification fields trigger predicates and
// command templates draw from.
type Context struct {
	WorkspacePath string
	SessionID     string
	ErrorCount    int
	Details       string
}

// Registry is the loaded workflow list
type Registry struct {
	workflows []Workflow
}

// NewRegistry validates the entries and builds a registry
func NewRegistry(workflows []Workflow) (*Registry, error) {
	seen := make(map[string]bool, len(workflows))
	for _, w := range workflows {
		if w.ID == "" {
			return nil, fmt.Errorf("workflow registry error: entry with empty 'id'\n\nHint: every workflow needs a unique id like:\n  \"id\": \"auto_fix_all\"")
		}
		if seen[w.ID] {
			return nil, fmt.Errorf("workflow registry error: duplicate workflow id %q", w.ID)
		}
		seen[w.ID] = true

		if len(w.Command) == 0 {
			return nil, fmt.Errorf("workflow registry error: workflow %q has empty 'command'\n\nHint: specify the agent invocation:\n  \"command\": [\"claude\", \"-p\", \"fix the broken links\", \"--output-format\", \"json\"]", w.ID)
		}
		if _, err := parseTrigger(w.Trigger); err != nil {
			return nil, fmt.Errorf("workflow registry error: workflow %q: %w", w.ID, err)
		}
	}
	return &Registry{workflows: workflows}, nil
}

// Workflows returns all registry entries in declaration order
func (r *Registry) Workflows() []Workflow {
	return r.workflows
}

// Lookup finds a workflow by id
func (r *Registry) Lookup(id string) (Workflow, bool) {
	for _, w := range r.workflows {
		if w.ID == id {
			return w, true
		}
	}
	return Workflow{}, false
}

// Select returns the workflows whose trigger predicate matches the
// notification context, in declaration order. Pure function: same
// context, same result.
func (r *Registry) Select(ctx Context) []Workflow {
	var matched []Workflow
	for _, w := range r.workflows {
		pred, err := parseTrigger(w.Trigger)
		if err != nil {
			// NewRegistry already rejected unparseable triggers.
			continue
		}
		if pred(ctx) {
			matched = append(matched, w)
		}
	}
	return matched
}

// RenderCommand substitutes context fields into the workflow's
// command template. Placeholders: {workspace_path}, {session_id},
// {error_count}, {details}.
func RenderCommand(w Workflow, ctx Context) []string {
	replacer := strings.NewReplacer(
		"{workspace_path}", ctx.WorkspacePath,
		"{session_id}", ctx.SessionID,
		"{error_count}", strconv.Itoa(ctx.ErrorCount),
		"{details}", ctx.Details,
	)

	rendered := make([]string, len(w.Command))
	for i, arg := range w.Command {
		rendered[i] = replacer.Replace(arg)
	}
	return rendered
}

type predicate func(Context) bool

// parseTrigger compiles the small trigger grammar:
//
//	always
//	error_count <op> <int>   with op in > >= == <= < !=
func parseTrigger(trigger string) (predicate, error) {
	trigger = strings.TrimSpace(trigger)
	if trigger == "" || trigger == "always" {
		return func(Context) bool { return true }, nil
	}

	fields := strings.Fields(trigger)
	if len(fields) != 3 {
		return nil, fmt.Errorf("unparseable trigger %q\n\nHint: triggers look like \"error_count > 0\" or \"always\"", trigger)
	}

	if fields[0] != "error_count" {
		return nil, fmt.Errorf("unknown trigger field %q (only error_count is supported)", fields[0])
	}

	threshold, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, fmt.Errorf("trigger threshold %q is not an integer", fields[2])
	}

	switch fields[1] {
	case ">":
		return func(c Context) bool { return c.ErrorCount > threshold }, nil
	case ">=":
		return func(c Context) bool { return c.ErrorCount >= threshold }, nil
	case "==":
		return func(c Context) bool { return c.ErrorCount == threshold }, nil
	case "<=":
		return func(c Context) bool { return c.ErrorCount <= threshold }, nil
	case "<":
		return func(c Context) bool { return c.ErrorCount < threshold }, nil
	case "!=":
		return func(c Context) bool { return c.ErrorCount != threshold }, nil
	default:
		return nil, fmt.Errorf("unknown trigger operator %q", fields[1])
	}
}
