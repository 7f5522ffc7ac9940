package directory

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/play-engine/types"
)

// Seed is the YAML content used to populate a Memory provider.
type Seed struct {
	Roles []struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"roles"`
	Users []struct {
		ID    string   `yaml:"id"`
		Name  string   `yaml:"name"`
		Email string   `yaml:"email"`
		Roles []string `yaml:"roles"`
	} `yaml:"users"`
	Workstreams []struct {
		ID        string                 `yaml:"id"`
		Name      string                 `yaml:"name"`
		OwnerID   string                 `yaml:"owner_id"`
		CreatedBy string                 `yaml:"created_by"`
		Fields    map[string]interface{} `yaml:"fields"`
	} `yaml:"workstreams"`
}

// LoadSeed reads a seed file.
func LoadSeed(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read %s: %w", path, err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return Seed{}, fmt.Errorf("parse directory seed: %w", err)
	}
	return seed, nil
}

// Apply registers the roles, users and workstreams of seed. User roles may name a role
// by id or by name; unknown names are created.
func (m *Memory) Apply(seed Seed) {
	for _, r := range seed.Roles {
		m.AddRole(r.Name, types.RoleID(r.ID))
	}
	for _, u := range seed.Users {
		roles := make([]types.RoleID, 0, len(u.Roles))
		for _, ref := range u.Roles {
			id, ok := m.lookupRole(ref)
			if !ok {
				id = m.AddRole(ref, "")
			}
			roles = append(roles, id)
		}
		m.AddUser(types.User{ID: u.ID, Name: u.Name, Email: u.Email, Roles: roles})
	}
	for _, w := range seed.Workstreams {
		m.AddWorkstream(types.Workstream{
			ID:        w.ID,
			Name:      w.Name,
			OwnerID:   w.OwnerID,
			CreatedBy: w.CreatedBy,
			Fields:    w.Fields,
		})
	}
}

func (m *Memory) lookupRole(ref string) (types.RoleID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.roles[types.RoleID(ref)]; ok {
		return types.RoleID(ref), true
	}
	id, ok := m.byName[strings.ToLower(ref)]
	return id, ok
}
