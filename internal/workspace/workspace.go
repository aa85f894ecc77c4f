// Package workspace performs the defensive path checks SPEC_FULL.md §6
// assigns to the core: a cwd handed to an adapter must be absolute, must
// fall under the configured workspace root, and must not contain ".."
// segments. Higher-level sandboxing policy belongs to the external
// workspace-directory collaborator; this package only rejects obviously
// unsafe input.
package workspace

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fwdslsh/dispatch/internal/errkind"
)

// Validate checks that path is safe to hand to an adapter as a working
// directory, given root as the configured workspace root.
func Validate(root, path string) error {
	if !filepath.IsAbs(path) {
		return errkind.New(errkind.InvalidInput, fmt.Sprintf("workspace path %q must be absolute", path))
	}
	for _, seg := range strings.Split(path, string(filepath.Separator)) {
		if seg == ".." {
			return errkind.New(errkind.InvalidInput, fmt.Sprintf("workspace path %q must not contain .. segments", path))
		}
	}
	clean := filepath.Clean(path)
	cleanRoot := filepath.Clean(root)
	if clean != cleanRoot && !strings.HasPrefix(clean, cleanRoot+string(filepath.Separator)) {
		return errkind.New(errkind.InvalidInput, fmt.Sprintf("workspace path %q is outside workspace root %q", path, root))
	}
	return nil
}
