package grimoire

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/casualjim/grimoire/pkg/jsonx"
	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/tiendc/go-deepcopy"
)

// ErrInvalidSpell is returned by Validate.
var ErrInvalidSpell = errors.New("invalid spell")

// Spell is a stored node-graph document.
type Spell struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name" jsonschema:"required,minLength=1"`
	ProjectID string          `json:"projectId" jsonschema:"required,minLength=1"`
	Graph     Graph           `json:"graph"`
	Hash      string          `json:"hash,omitempty"`
	CreatedAt strfmt.DateTime `json:"createdAt"`
	UpdatedAt strfmt.DateTime `json:"updatedAt"`
}

// Graph is the node graph of a spell. Nodes are keyed by the string form of
// their id.
type Graph struct {
	ID    string          `json:"id,omitempty"`
	Nodes map[string]Node `json:"nodes"`
}

// Node is a component instance in a graph.
type Node struct {
	ID       int               `json:"id"`
	Name     string            `json:"name"`
	Data     map[string]any    `json:"data,omitempty"`
	Inputs   map[string]Socket `json:"inputs,omitempty"`
	Outputs  map[string]Socket `json:"outputs,omitempty"`
	Position [2]float64        `json:"position"`
}

// Socket is a named input or output of a node.
type Socket struct {
	Connections []Connection `json:"connections"`
}

// Connection links a socket to a socket of another node. On an input socket
// Node and Output name the upstream end; on an output socket Node and Input
// name the downstream end.
type Connection struct {
	Node   int            `json:"node"`
	Input  string         `json:"input,omitempty"`
	Output string         `json:"output,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// HashNodes returns the md5 hex digest of the JSON encoding of nodes.
func HashNodes(nodes map[string]Node) string {
	if nodes == nil {
		nodes = map[string]Node{}
	}
	b, err := json.Marshal(nodes)
	if err != nil {
		// nodes only holds JSON-decoded values
		panic(fmt.Sprintf("marshal nodes: %v", err))
	}
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// Rehash recomputes the hash from the graph's nodes.
func (s *Spell) Rehash() {
	s.Hash = HashNodes(s.Graph.Nodes)
}

// Validate checks the fields every stored spell must have.
func (s *Spell) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSpell)
	}
	if s.ProjectID == "" {
		return fmt.Errorf("%w: projectId is required", ErrInvalidSpell)
	}
	for key, node := range s.Graph.Nodes {
		if key != strconv.Itoa(node.ID) {
			return fmt.Errorf("%w: node %q has id %d", ErrInvalidSpell, key, node.ID)
		}
	}
	return nil
}

// Node returns the node with the given id.
func (g Graph) Node(id int) (Node, bool) {
	n, ok := g.Nodes[strconv.Itoa(id)]
	return n, ok
}

// Clone returns a deep copy of the spell.
func (s Spell) Clone() (Spell, error) {
	out := s
	out.Graph = Graph{}
	if err := deepcopy.Copy(&out.Graph, s.Graph); err != nil {
		return Spell{}, fmt.Errorf("clone spell %s: %w", s.Name, err)
	}
	return out, nil
}

// ToDocument converts the spell to the dynamic JSON document json0
// components are applied to.
func ToDocument(s Spell) (map[string]any, error) {
	return jsonx.ToDynamicJSON(s)
}

// FromDocument converts a dynamic JSON document back into a spell.
func FromDocument(doc any) (Spell, error) {
	s, err := jsonx.FromDynamicJSON[Spell](doc)
	if err != nil {
		return Spell{}, fmt.Errorf("%w: %w", ErrInvalidSpell, err)
	}
	return s, nil
}
