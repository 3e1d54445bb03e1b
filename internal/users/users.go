// Package users loads the shared users.yaml directory and normalizes
// arbitrary caller-supplied names (the X-User header value) against each
// user's canonical name and other_name aliases. Grounded on utils.py's
// load_users/resolve_user_name and the teacher's config-file loading style
// in internal/config/settings.go.
package users

import (
	"fmt"
	"strings"
	"time"

	"amdl-orchestrator/internal/lockfile"
	"amdl-orchestrator/internal/model"
)

// ErrUnknownUser is returned when a header value matches no configured user
// and no other-name alias.
var ErrUnknownUser = fmt.Errorf("users: unknown user")

// Directory resolves caller-supplied names against config/users.yaml.
type Directory struct {
	file *lockfile.File
}

// New returns a Directory backed by the users.yaml at path.
func New(path string) *Directory {
	return &Directory{file: lockfile.New(path)}
}

// Load reads the full user directory.
func (d *Directory) Load() (model.UsersDirectory, error) {
	var dir model.UsersDirectory
	if err := d.file.ReadYAML(&dir, 200*time.Millisecond); err != nil {
		return nil, err
	}
	if dir == nil {
		dir = model.UsersDirectory{}
	}
	return dir, nil
}

// Resolve maps raw (the X-User header value, case-insensitively) to its
// canonical user name, matching against both the map key and each user's
// OtherNames aliases.
func (d *Directory) Resolve(raw string) (string, model.UserConfig, error) {
	dir, err := d.Load()
	if err != nil {
		return "", model.UserConfig{}, err
	}

	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return "", model.UserConfig{}, ErrUnknownUser
	}

	for canonical, cfg := range dir {
		if strings.ToLower(canonical) == normalized {
			return canonical, cfg, nil
		}
		for _, alias := range cfg.OtherNames {
			if strings.ToLower(alias) == normalized {
				return canonical, cfg, nil
			}
		}
	}

	return "", model.UserConfig{}, ErrUnknownUser
}

// Lookup returns the config for an already-canonical user name.
func (d *Directory) Lookup(canonical string) (model.UserConfig, bool, error) {
	dir, err := d.Load()
	if err != nil {
		return model.UserConfig{}, false, err
	}
	cfg, ok := dir[canonical]
	return cfg, ok, nil
}
