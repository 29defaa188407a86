package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/grimoire"
)

var (
	// ErrCycle is returned when a node depends on its own output.
	ErrCycle = errors.New("graph contains a cycle")
	// ErrUnknownComponent is returned for nodes without a registered component.
	ErrUnknownComponent = errors.New("unknown component")
	// ErrNoOutputs is returned for graphs without Output nodes.
	ErrNoOutputs = errors.New("graph has no output nodes")
)

// Component is the behavior behind a node name.
type Component interface {
	// Name is the node name the component handles.
	Name() string
	// Work computes the node's outputs from its connected inputs.
	Work(ctx context.Context, node grimoire.Node, inputs map[string]any, run *Run) (map[string]any, error)
}

// Run is the state of one evaluation of a graph.
type Run struct {
	ProjectID string
	// Inputs are the values Input nodes read, keyed by their data.name.
	Inputs map[string]any
	// Outputs collects what Output nodes write, keyed by their data.name.
	Outputs map[string]any

	graph   grimoire.Graph
	results map[int]map[string]any
	active  map[int]bool
}

// Engine evaluates spell graphs with a set of components.
type Engine struct {
	components *haxmap.Map[string, Component]
}

// NewEngine returns an engine with the given components registered.
func NewEngine(components ...Component) *Engine {
	e := &Engine{components: haxmap.New[string, Component]()}
	for _, c := range components {
		e.Register(c)
	}
	return e
}

// Register adds or replaces a component.
func (e *Engine) Register(c Component) {
	e.components.Set(c.Name(), c)
}

// Run evaluates graph by pulling every Output node, in node id order. Each
// node is worked at most once per run.
func (e *Engine) Run(ctx context.Context, projectID string, graph grimoire.Graph, inputs map[string]any) (map[string]any, error) {
	run := &Run{
		ProjectID: projectID,
		Inputs:    inputs,
		Outputs:   make(map[string]any),
		graph:     graph,
		results:   make(map[int]map[string]any),
		active:    make(map[int]bool),
	}
	if run.Inputs == nil {
		run.Inputs = map[string]any{}
	}

	var outputs []int
	for _, node := range graph.Nodes {
		if node.Name == outputComponent {
			outputs = append(outputs, node.ID)
		}
	}
	if len(outputs) == 0 {
		return nil, ErrNoOutputs
	}
	sort.Ints(outputs)

	for _, id := range outputs {
		if _, err := e.eval(ctx, run, id); err != nil {
			return nil, err
		}
	}
	return run.Outputs, nil
}

func (e *Engine) eval(ctx context.Context, run *Run, id int) (map[string]any, error) {
	if res, ok := run.results[id]; ok {
		return res, nil
	}
	if run.active[id] {
		return nil, fmt.Errorf("%w at node %d", ErrCycle, id)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	node, ok := run.graph.Node(id)
	if !ok {
		return nil, fmt.Errorf("connection to missing node %d", id)
	}
	comp, ok := e.components.Get(node.Name)
	if !ok {
		return nil, fmt.Errorf("%w %q at node %d", ErrUnknownComponent, node.Name, id)
	}

	run.active[id] = true
	defer delete(run.active, id)

	inputs := make(map[string]any, len(node.Inputs))
	for socket, conns := range node.Inputs {
		values := make([]any, 0, len(conns.Connections))
		for _, conn := range conns.Connections {
			upstream, err := e.eval(ctx, run, conn.Node)
			if err != nil {
				return nil, err
			}
			values = append(values, upstream[conn.Output])
		}
		switch len(values) {
		case 0:
		case 1:
			inputs[socket] = values[0]
		default:
			inputs[socket] = values
		}
	}

	res, err := comp.Work(ctx, node, inputs, run)
	if err != nil {
		return nil, fmt.Errorf("node %d (%s): %w", id, node.Name, err)
	}
	if res == nil {
		res = map[string]any{}
	}
	run.results[id] = res
	return res, nil
}

func dataString(node grimoire.Node, key string) string {
	switch v := node.Data[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
