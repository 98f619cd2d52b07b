package mcp

import (
	"strings"

	"github.com/yhyyz/mcp-agent-gateway/pkg/models"
)

// llmNameReplacer normalizes characters some providers reject in tool
// names.
var llmNameReplacer = strings.NewReplacer("-", "_", "/", "_", ":", "_")

// nsDelimiter separates the server id prefix from the tool name in the
// name presented to the model.
const nsDelimiter = "___"

// LLMToolName builds the collision-proof tool name presented to the
// model: the server id prefix keeps identically-named tools from
// different servers apart.
func LLMToolName(serverID, toolName string) string {
	return llmNameReplacer.Replace(serverID + nsDelimiter + toolName)
}

// route maps a model-facing tool name back to its server and original
// tool name.
type route struct {
	serverID string
	toolName string
}

// ToolSet is the flat tool list bound to an agent session on each chat
// request, with the reverse mapping needed to dispatch calls. Normalization
// is lossy, so routes are recorded from the descriptors rather than
// parsed back out of the name.
type ToolSet struct {
	descriptors []models.ToolDescriptor
	routes      map[string]route
}

func newToolSet() *ToolSet {
	return &ToolSet{routes: make(map[string]route)}
}

// NewToolSet builds a bound set from descriptors.
func NewToolSet(ds ...models.ToolDescriptor) *ToolSet {
	ts := newToolSet()
	for _, d := range ds {
		ts.add(d)
	}
	return ts
}

func (ts *ToolSet) add(d models.ToolDescriptor) {
	ts.descriptors = append(ts.descriptors, d)
	ts.routes[d.LLMName] = route{serverID: d.ServerID, toolName: d.Name}
}

// Descriptors returns the bound tools in registration order.
func (ts *ToolSet) Descriptors() []models.ToolDescriptor {
	if ts == nil {
		return nil
	}
	return ts.descriptors
}

// Resolve maps a model-facing tool name back to (server id, tool name).
func (ts *ToolSet) Resolve(llmName string) (serverID, toolName string, ok bool) {
	if ts == nil {
		return "", "", false
	}
	r, ok := ts.routes[llmName]
	return r.serverID, r.toolName, ok
}

// Empty reports whether the set binds no tools.
func (ts *ToolSet) Empty() bool {
	return ts == nil || len(ts.descriptors) == 0
}
