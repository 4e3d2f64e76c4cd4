package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Tool is a unit of work a session runs. Run executes on its own goroutine;
// it may suspend only in Call.Sample and Call.Elicit.
type Tool interface {
	Name() string
	Run(ctx context.Context, call *Call, params json.RawMessage) (any, error)
}

// ToolFunc adapts a function to the body of a Tool.
type ToolFunc func(ctx context.Context, call *Call, params json.RawMessage) (any, error)

type funcTool struct {
	name string
	fn   ToolFunc
}

func (t funcTool) Name() string { return t.name }

func (t funcTool) Run(ctx context.Context, call *Call, params json.RawMessage) (any, error) {
	return t.fn(ctx, call, params)
}

// NewTool returns a Tool named name that runs fn.
func NewTool(name string, fn ToolFunc) Tool {
	return funcTool{name: name, fn: fn}
}

// NewTypedTool returns a Tool whose params are decoded into P before fn runs.
func NewTypedTool[P any, R any](name string, fn func(ctx context.Context, call *Call, params P) (R, error)) Tool {
	return NewTool(name, func(ctx context.Context, call *Call, raw json.RawMessage) (any, error) {
		var p P
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, NewError(ErrorNameInvalidParams, fmt.Sprintf("decode params for %s: %v", name, err))
			}
		}
		return fn(ctx, call, p)
	})
}

// ToolSet maps tool names to tools. It is safe for concurrent use.
type ToolSet struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewToolSet(tools ...Tool) *ToolSet {
	s := &ToolSet{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		s.Add(t)
	}
	return s
}

// Add registers t, replacing any tool with the same name.
func (s *ToolSet) Add(t Tool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[t.Name()] = t
}

func (s *ToolSet) Lookup(name string) (Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (s *ToolSet) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tools))
	for n := range s.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
