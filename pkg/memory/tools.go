package memory

import (
	"context"
	"fmt"

	"github.com/reza/kalda/pkg/tools"
)

// RegisterTools exposes long-term memory and task state to the model as
// tools. Each handler resolves the session from the execution context so
// one registry serves every session.
func RegisterTools(reg *tools.Registry, store *Store) error {
	sessionMem := func(ec tools.ExecContext) (*Memory, error) {
		if ec.SessionKey != "" {
			return store.Get(ec.SessionKey)
		}
		return store.Active()
	}

	defs := []tools.Definition{
		{
			Name:        "remember_fact",
			Description: "Store a durable fact about the user or the world in long-term memory.",
			Parameters: []tools.Parameter{
				{Name: "fact", Type: "string", Description: "The fact to remember", Required: true},
			},
			Handler: func(_ context.Context, args map[string]any, ec tools.ExecContext) (tools.Result, error) {
				mem, err := sessionMem(ec)
				if err != nil {
					return tools.Result{}, err
				}
				fact, _ := args["fact"].(string)
				mem.AddFact(fact)
				return tools.Result{Success: true, Output: "fact remembered"}, nil
			},
		},
		{
			Name:        "remember_skill",
			Description: "Store a learned skill or procedure in long-term memory.",
			Parameters: []tools.Parameter{
				{Name: "skill", Type: "string", Description: "The skill to remember", Required: true},
			},
			Handler: func(_ context.Context, args map[string]any, ec tools.ExecContext) (tools.Result, error) {
				mem, err := sessionMem(ec)
				if err != nil {
					return tools.Result{}, err
				}
				skill, _ := args["skill"].(string)
				mem.AddSkill(skill)
				return tools.Result{Success: true, Output: "skill remembered"}, nil
			},
		},
		{
			Name:        "remember_relationship",
			Description: "Store information about a person or relationship in long-term memory.",
			Parameters: []tools.Parameter{
				{Name: "relationship", Type: "string", Description: "The relationship to remember", Required: true},
			},
			Handler: func(_ context.Context, args map[string]any, ec tools.ExecContext) (tools.Result, error) {
				mem, err := sessionMem(ec)
				if err != nil {
					return tools.Result{}, err
				}
				rel, _ := args["relationship"].(string)
				mem.AddRelationship(rel)
				return tools.Result{Success: true, Output: "relationship remembered"}, nil
			},
		},
		{
			Name:        "set_task_state",
			Description: "Persist a value under a key in the session task-state map.",
			Parameters: []tools.Parameter{
				{Name: "key", Type: "string", Description: "State key", Required: true},
				{Name: "value", Type: "string", Description: "State value", Required: true},
			},
			Handler: func(_ context.Context, args map[string]any, ec tools.ExecContext) (tools.Result, error) {
				mem, err := sessionMem(ec)
				if err != nil {
					return tools.Result{}, err
				}
				key, _ := args["key"].(string)
				value, _ := args["value"].(string)
				mem.SetTaskState(key, value)
				return tools.Result{Success: true, Output: "state saved"}, nil
			},
		},
		{
			Name:        "get_task_state",
			Description: "Read a value from the session task-state map.",
			Parameters: []tools.Parameter{
				{Name: "key", Type: "string", Description: "State key", Required: true},
			},
			Handler: func(_ context.Context, args map[string]any, ec tools.ExecContext) (tools.Result, error) {
				mem, err := sessionMem(ec)
				if err != nil {
					return tools.Result{}, err
				}
				key, _ := args["key"].(string)
				v, ok := mem.TaskState(key)
				if !ok {
					return tools.Result{Success: false, Output: fmt.Sprintf("no state under key %q", key)}, nil
				}
				return tools.Result{Success: true, Output: fmt.Sprintf("%v", v)}, nil
			},
		},
	}

	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}
