package graph

import (
	"context"
	"sort"

	"taskfleet/internal/domain"
	"taskfleet/internal/repo"
)

type Node struct {
	TaskID   string  `json:"task_id"`
	TicketID string  `json:"ticket_id"`
	Title    string  `json:"title"`
	TaskType string  `json:"task_type"`
	Status   string  `json:"status"`
	PhaseID  string  `json:"phase_id"`
	Score    float64 `json:"score"`
	// IsBlocked marks a live task with at least one incomplete
	// dependency; BlocksCount is how many sibling tasks wait on it.
	IsBlocked   bool `json:"is_blocked"`
	BlocksCount int  `json:"blocks_count"`
}

// Edge kinds.
const EdgeDependsOn = "depends_on"

// Edge points from a dependency to the task waiting on it.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
}

type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
	// CriticalPath is the longest dependency chain through the graph,
	// in execution order.
	CriticalPath []string `json:"critical_path,omitempty"`
}

// Builder assembles dependency graphs from stored tasks.
type Builder struct {
	Repo repo.Repo
}

// ForTicket builds the graph over one ticket's tasks.
func (b Builder) ForTicket(ctx context.Context, ticketID string) (Graph, error) {
	tasks, err := b.Repo.ListTasks(ctx, repo.TaskFilter{TicketID: ticketID})
	if err != nil {
		return Graph{}, err
	}
	return build(tasks), nil
}

// ForProject builds the graph over every task in a project, so
// cross-ticket dependencies show up too.
func (b Builder) ForProject(ctx context.Context, projectID string) (Graph, error) {
	tickets, err := b.Repo.ListTickets(ctx, repo.TicketFilter{ProjectID: projectID})
	if err != nil {
		return Graph{}, err
	}
	var tasks []domain.Task
	for _, ticket := range tickets {
		ts, err := b.Repo.ListTasks(ctx, repo.TaskFilter{TicketID: ticket.ID})
		if err != nil {
			return Graph{}, err
		}
		tasks = append(tasks, ts...)
	}
	return build(tasks), nil
}

func build(tasks []domain.Task) Graph {
	g := Graph{}
	statuses := make(map[string]string, len(tasks))
	for _, t := range tasks {
		statuses[t.ID] = t.Status
	}
	// Edges to tasks outside the graph are dropped rather than drawn
	// dangling; blocks counts only see in-graph dependents.
	blocks := map[string]int{}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := statuses[dep]; ok {
				g.Edges = append(g.Edges, Edge{From: dep, To: t.ID, Type: EdgeDependsOn})
				blocks[dep]++
			}
		}
	}
	for _, t := range tasks {
		g.Nodes = append(g.Nodes, Node{
			TaskID:      t.ID,
			TicketID:    t.TicketID,
			Title:       t.Title,
			TaskType:    t.TaskType,
			Status:      t.Status,
			PhaseID:     t.PhaseID,
			Score:       t.Score,
			IsBlocked:   nodeBlocked(t, statuses),
			BlocksCount: blocks[t.ID],
		})
	}
	g.CriticalPath = criticalPath(g)
	return g
}

// nodeBlocked resolves a task's dependencies against sibling statuses.
// A dependency with no sibling row counts as blocking, matching the
// queue's fail-closed claim check.
func nodeBlocked(t domain.Task, statuses map[string]string) bool {
	if domain.TerminalTaskStatus(t.Status) {
		return false
	}
	for _, dep := range t.Dependencies {
		if statuses[dep] != domain.TaskCompleted {
			return true
		}
	}
	return false
}

// criticalPath finds the longest chain with a topological sweep. Nodes
// caught in a cycle never reach in-degree zero and are skipped; the
// queue refuses cyclic dependency sets, so that is belt and braces.
func criticalPath(g Graph) []string {
	if len(g.Nodes) == 0 {
		return nil
	}
	succ := map[string][]string{}
	indeg := map[string]int{}
	for _, n := range g.Nodes {
		indeg[n.TaskID] = 0
	}
	for _, e := range g.Edges {
		succ[e.From] = append(succ[e.From], e.To)
		indeg[e.To]++
	}

	var queue []string
	for _, n := range g.Nodes {
		if indeg[n.TaskID] == 0 {
			queue = append(queue, n.TaskID)
		}
	}
	sort.Strings(queue)

	longest := map[string]int{}
	pred := map[string]string{}
	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range succ[id] {
			if longest[id]+1 > longest[next] {
				longest[next] = longest[id] + 1
				pred[next] = id
			}
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	end := ""
	best := -1
	for _, id := range order {
		if longest[id] > best {
			best = longest[id]
			end = id
		}
	}
	if end == "" {
		return nil
	}
	var path []string
	for at := end; ; {
		path = append(path, at)
		prev, ok := pred[at]
		if !ok {
			break
		}
		at = prev
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
