// Package planner partitions outstanding work by invoking the task-executor
// capability with read-only permissions and extracting a structured payload
// from its free-text reply. Malformed replies never propagate: the planner
// degrades to one deterministic default assignment per worker.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/swarmgit/swarmgit/internal/executor"
	"github.com/swarmgit/swarmgit/pkg/models"
)

// Planner wraps an executor invocation restricted to non-mutating tools.
type Planner struct {
	Executor executor.Executor
	Model    string
	Workdir  string
}

// payload is the partition-of-work structure expected inside the planner's
// reply, either in a fenced code block or as the first top-level JSON object.
type payload struct {
	Done        bool                `json:"done"`
	Assignments []models.Assignment `json:"assignments"`
	Clusters    []ClusterGoal       `json:"clusters"`
}

// ClusterGoal is one per-cluster goal produced by the top-level planner in
// the hierarchical topology.
type ClusterGoal struct {
	Name string `json:"name"`
	Goal string `json:"goal"`
}

// Plan partitions goal into exactly one assignment per worker. The second
// return is true when the planner reports that no work remains. Plan never
// fails: an unreachable or malformed planner yields default assignments.
func (p *Planner) Plan(ctx context.Context, goal string, workers []string, emit func(executor.Event)) ([]models.Assignment, bool) {
	if emit == nil {
		emit = func(executor.Event) {}
	}
	prompt := planPrompt(goal, workers)
	res, err := p.Executor.Invoke(ctx, executor.Request{
		Worker:      "planner",
		Prompt:      prompt,
		Permissions: executor.ReadOnlyPermissions,
		Model:       p.Model,
		Workdir:     p.Workdir,
	}, emit)
	if err != nil {
		slog.Warn("planner invocation failed, using default assignments", "err", err)
		return DefaultAssignments(workers, goal), false
	}
	pl, ok := parsePayload(res.Output)
	if !ok {
		slog.Warn("planner reply not parseable, using default assignments")
		return DefaultAssignments(workers, goal), false
	}
	if pl.Done {
		return nil, true
	}
	return normalize(pl.Assignments, workers, goal), false
}

// Next requests one fresh assignment for a single now-idle worker.
func (p *Planner) Next(ctx context.Context, goal, workerID string, emit func(executor.Event)) (models.Assignment, bool) {
	as, done := p.Plan(ctx, goal, []string{workerID}, emit)
	if done || len(as) == 0 {
		return models.Assignment{}, true
	}
	return as[0], false
}

// PlanClusters asks the top-level planner to partition goal into per-cluster
// goals. Malformed output falls back to giving every cluster the whole goal.
func (p *Planner) PlanClusters(ctx context.Context, goal string, clusters []string, emit func(executor.Event)) ([]ClusterGoal, bool) {
	if emit == nil {
		emit = func(executor.Event) {}
	}
	prompt := clusterPrompt(goal, clusters)
	res, err := p.Executor.Invoke(ctx, executor.Request{
		Worker:      "planner",
		Prompt:      prompt,
		Permissions: executor.ReadOnlyPermissions,
		Model:       p.Model,
		Workdir:     p.Workdir,
	}, emit)
	if err == nil {
		if pl, ok := parsePayload(res.Output); ok {
			if pl.Done {
				return nil, true
			}
			if goals := normalizeClusters(pl.Clusters, clusters, goal); len(goals) > 0 {
				return goals, false
			}
		}
	} else {
		slog.Warn("cluster planner invocation failed, using default goals", "err", err)
	}
	goals := make([]ClusterGoal, len(clusters))
	for i, name := range clusters {
		goals[i] = ClusterGoal{Name: name, Goal: goal}
	}
	return goals, false
}

// DefaultAssignments synthesizes one deterministic assignment per worker.
func DefaultAssignments(workers []string, goal string) []models.Assignment {
	out := make([]models.Assignment, len(workers))
	for i, w := range workers {
		out[i] = models.Assignment{
			WorkerID: w,
			Area:     "general",
			Tasks:    []string{"Continue work toward: " + goal},
		}
	}
	return out
}

// normalize forces exactly one assignment per worker: extras are dropped,
// gaps are filled with defaults, and missing worker ids are bound in order.
func normalize(as []models.Assignment, workers []string, goal string) []models.Assignment {
	byWorker := make(map[string]models.Assignment, len(as))
	var unbound []models.Assignment
	for _, a := range as {
		if a.WorkerID != "" {
			if _, dup := byWorker[a.WorkerID]; !dup {
				byWorker[a.WorkerID] = a
				continue
			}
		}
		unbound = append(unbound, a)
	}
	out := make([]models.Assignment, len(workers))
	for i, w := range workers {
		if a, ok := byWorker[w]; ok {
			out[i] = a
			continue
		}
		if len(unbound) > 0 {
			out[i] = unbound[0]
			out[i].WorkerID = w
			unbound = unbound[1:]
			continue
		}
		out[i] = DefaultAssignments([]string{w}, goal)[0]
	}
	return out
}

func normalizeClusters(goals []ClusterGoal, clusters []string, goal string) []ClusterGoal {
	byName := make(map[string]ClusterGoal, len(goals))
	for _, g := range goals {
		byName[g.Name] = g
	}
	out := make([]ClusterGoal, len(clusters))
	for i, name := range clusters {
		if g, ok := byName[name]; ok && g.Goal != "" {
			out[i] = g
			continue
		}
		out[i] = ClusterGoal{Name: name, Goal: goal}
	}
	return out
}

// parsePayload extracts the structured payload from free text: a fenced code
// block is preferred, else the first top-level brace-delimited span.
func parsePayload(text string) (payload, bool) {
	var pl payload
	if block, ok := fencedBlock(text); ok {
		if json.Unmarshal([]byte(block), &pl) == nil {
			return pl, true
		}
	}
	if span, ok := braceSpan(text); ok {
		if json.Unmarshal([]byte(span), &pl) == nil {
			return pl, true
		}
	}
	return payload{}, false
}

func fencedBlock(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	rest := text[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:] // drop the language tag line
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

func braceSpan(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

func planPrompt(goal string, workers []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the lead of %d parallel workers on one repository.\n", len(workers))
	fmt.Fprintf(&b, "Goal: %s\n\n", goal)
	b.WriteString("Partition the remaining work into exactly one assignment per worker.\n")
	b.WriteString("Reply with a fenced json block:\n")
	b.WriteString("{\"done\": false, \"assignments\": [{\"worker_id\": \"...\", \"area\": \"...\", \"file_hints\": [], \"tasks\": [], \"acceptance_criteria\": []}]}\n")
	b.WriteString("Set done=true (and no assignments) only when nothing remains.\n")
	fmt.Fprintf(&b, "Worker ids: %s\n", strings.Join(workers, ", "))
	return b.String()
}

func clusterPrompt(goal string, clusters []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the top-level planner over %d feature clusters.\n", len(clusters))
	fmt.Fprintf(&b, "Goal: %s\n\n", goal)
	b.WriteString("Partition the goal into one sub-goal per cluster.\n")
	b.WriteString("Reply with a fenced json block:\n")
	b.WriteString("{\"done\": false, \"clusters\": [{\"name\": \"...\", \"goal\": \"...\"}]}\n")
	fmt.Fprintf(&b, "Cluster names: %s\n", strings.Join(clusters, ", "))
	return b.String()
}
