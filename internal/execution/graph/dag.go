package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrCycleDetected = errors.New("cycle detected in workflow graph")
	ErrNoEntryNode   = errors.New("no entry node found")
	ErrInvalidEdge   = errors.New("invalid edge")
	ErrDuplicateNode = errors.New("duplicate node id")
)

// JoinMode decides when a node with multiple predecessors becomes ready.
type JoinMode string

const (
	// JoinAll waits for every predecessor (AND-join). The default.
	JoinAll JoinMode = "all"
	// JoinAny fires on the first completed predecessor (OR-join).
	JoinAny JoinMode = "any"
)

// Node is one unit of the workflow graph.
type Node struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config,omitempty"`
	Join   JoinMode        `json:"join,omitempty"`
}

// EdgeInfo is the metadata on one edge.
type EdgeInfo struct {
	Condition string `json:"condition,omitempty"`
	OnError   bool   `json:"on_error,omitempty"`
}

// NodeDef and EdgeDef mirror the definition the control plane sends.
type NodeDef struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Name   string          `json:"name,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
	Join   JoinMode        `json:"join,omitempty"`
}

type EdgeDef struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
	OnError   bool   `json:"on_error,omitempty"`
}

// Settings carry per-workflow execution defaults.
type Settings struct {
	TaskQueue   string        `json:"task_queue,omitempty"`
	MaxAttempts int32         `json:"max_attempts,omitempty"`
	NodeTimeout time.Duration `json:"node_timeout,omitempty"`
	Priority    int32         `json:"priority,omitempty"`
}

// WorkflowDefinition is the DAG plus settings handed to StartWorkflow.
type WorkflowDefinition struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Nodes    []NodeDef `json:"nodes"`
	Edges    []EdgeDef `json:"edges"`
	Settings Settings  `json:"settings,omitempty"`
}

// DAG is the validated, indexed form of a workflow definition.
type DAG struct {
	Nodes        map[string]*Node
	Edges        map[string][]string
	ReverseEdges map[string][]string
	EdgeMap      map[string]map[string]*EdgeInfo

	EntryNodes []string
	Order      []string

	Settings Settings
}

// Build validates a definition and indexes it. Dangling edges and cycles are
// rejected; acceptance-time checks at the control plane notwithstanding, the
// engine re-checks on every start.
func Build(workflow *WorkflowDefinition) (*DAG, error) {
	dag := &DAG{
		Nodes:        make(map[string]*Node),
		Edges:        make(map[string][]string),
		ReverseEdges: make(map[string][]string),
		EdgeMap:      make(map[string]map[string]*EdgeInfo),
		Settings:     workflow.Settings,
	}

	for _, n := range workflow.Nodes {
		if _, exists := dag.Nodes[n.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
		}
		join := n.Join
		if join == "" {
			join = JoinAll
		}
		dag.Nodes[n.ID] = &Node{
			ID:     n.ID,
			Type:   n.Type,
			Name:   n.Name,
			Config: n.Config,
			Join:   join,
		}
	}

	for _, e := range workflow.Edges {
		if _, exists := dag.Nodes[e.Source]; !exists {
			return nil, fmt.Errorf("%w: source node %s not found", ErrInvalidEdge, e.Source)
		}
		if _, exists := dag.Nodes[e.Target]; !exists {
			return nil, fmt.Errorf("%w: target node %s not found", ErrInvalidEdge, e.Target)
		}

		dag.Edges[e.Source] = append(dag.Edges[e.Source], e.Target)
		dag.ReverseEdges[e.Target] = append(dag.ReverseEdges[e.Target], e.Source)

		if dag.EdgeMap[e.Source] == nil {
			dag.EdgeMap[e.Source] = make(map[string]*EdgeInfo)
		}
		dag.EdgeMap[e.Source][e.Target] = &EdgeInfo{
			Condition: e.Condition,
			OnError:   e.OnError,
		}
	}

	for id := range dag.Nodes {
		if len(dag.ReverseEdges[id]) == 0 {
			dag.EntryNodes = append(dag.EntryNodes, id)
		}
	}

	if len(dag.EntryNodes) == 0 {
		// A non-empty graph in which every node has an incoming edge always
		// contains a cycle, so report both conditions.
		if len(dag.Nodes) > 0 {
			return nil, fmt.Errorf("%w: %w", ErrNoEntryNode, ErrCycleDetected)
		}
		return nil, ErrNoEntryNode
	}

	if err := dag.computeTopologicalOrder(); err != nil {
		return nil, err
	}

	return dag, nil
}

func (d *DAG) computeTopologicalOrder() error {
	visited := make(map[string]bool)
	temp := make(map[string]bool)
	order := make([]string, 0, len(d.Nodes))

	var visit func(string) error
	visit = func(id string) error {
		if temp[id] {
			return ErrCycleDetected
		}
		if visited[id] {
			return nil
		}

		temp[id] = true
		for _, next := range d.Edges[id] {
			if err := visit(next); err != nil {
				return err
			}
		}
		delete(temp, id)
		visited[id] = true
		order = append([]string{id}, order...)
		return nil
	}

	for id := range d.Nodes {
		if !visited[id] {
			if err := visit(id); err != nil {
				return err
			}
		}
	}

	d.Order = order
	return nil
}

// Successors returns the outgoing edge targets of a node.
func (d *DAG) Successors(nodeID string) []string {
	return d.Edges[nodeID]
}

// Predecessors returns the incoming edge sources of a node.
func (d *DAG) Predecessors(nodeID string) []string {
	return d.ReverseEdges[nodeID]
}

// GetEdgeInfo returns the metadata between two nodes, nil when no such edge.
func (d *DAG) GetEdgeInfo(source, target string) *EdgeInfo {
	if targetMap, ok := d.EdgeMap[source]; ok {
		return targetMap[target]
	}
	return nil
}

// ErrorSuccessors returns the targets reachable over error edges of a node.
func (d *DAG) ErrorSuccessors(nodeID string) []string {
	var targets []string
	for _, target := range d.Edges[nodeID] {
		if info := d.GetEdgeInfo(nodeID, target); info != nil && info.OnError {
			targets = append(targets, target)
		}
	}
	return targets
}
