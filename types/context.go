package types

import "strings"

// RoleID is the canonical identifier of a role. Legacy role names are resolved to a
// RoleID once, when a context or approver set is built.
type RoleID string

// Workstream is the business record a play runs for.
type Workstream struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name,omitempty"`
	OwnerID   string                 `json:"owner_id,omitempty"`
	CreatedBy string                 `json:"created_by,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Field returns a business field by name.
func (w Workstream) Field(name string) (interface{}, bool) {
	v, ok := w.Fields[name]
	return v, ok
}

// IsOwner reports whether userID owns or created the workstream.
func (w Workstream) IsOwner(userID string) bool {
	return userID != "" && (userID == w.OwnerID || userID == w.CreatedBy)
}

// User is the actor of a request.
type User struct {
	ID    string   `json:"id"`
	Name  string   `json:"name,omitempty"`
	Email string   `json:"email,omitempty"`
	Roles []RoleID `json:"roles,omitempty"`
}

// HasRole reports whether the user belongs to role.
func (u User) HasRole(role RoleID) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ExecutionRef identifies the node being run.
type ExecutionRef struct {
	PlayID  string `json:"play_id"`
	NodeID  string `json:"node_id"`
	Attempt int    `json:"attempt"`
}

// ExecutionContext is the read-only input assembled for one node execution.
type ExecutionContext struct {
	PreviousOutputs map[string]interface{} `json:"previous_outputs"`
	PlayConfig      map[string]interface{} `json:"play_config"`
	Workstream      Workstream             `json:"workstream"`
	User            User                   `json:"user"`
	Execution       ExecutionRef           `json:"execution"`
	Submission      map[string]interface{} `json:"submission,omitempty"`
	Partial         map[string]interface{} `json:"partial,omitempty"`
}

// Previous looks up a prior output. A dotted name "node.field" reads the namespace of
// that node; a bare name reads the flattened view.
func (c *ExecutionContext) Previous(name string) (interface{}, bool) {
	if v, ok := c.PreviousOutputs[name]; ok {
		return v, true
	}
	i := strings.IndexByte(name, '.')
	if i <= 0 {
		return nil, false
	}
	ns, ok := c.PreviousOutputs[name[:i]].(map[string]interface{})
	if !ok {
		return nil, false
	}
	v, ok := ns[name[i+1:]]
	return v, ok
}

// SubmissionValue returns a caller-supplied value for the current node.
func (c *ExecutionContext) SubmissionValue(name string) (interface{}, bool) {
	v, ok := c.Submission[name]
	return v, ok
}

// SubmissionString returns a caller-supplied string, empty when absent or not a string.
func (c *ExecutionContext) SubmissionString(name string) string {
	s, _ := c.Submission[name].(string)
	return s
}

// Env flattens the context into a map for expression evaluation.
func (c *ExecutionContext) Env(inputs map[string]interface{}) map[string]interface{} {
	env := make(map[string]interface{}, len(inputs)+4)
	for k, v := range inputs {
		env[k] = v
	}
	env["previous"] = c.PreviousOutputs
	env["play_config"] = c.PlayConfig
	env["workstream"] = c.Workstream.Fields
	env["submission"] = c.Submission
	return env
}
