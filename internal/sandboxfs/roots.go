// ABOUTME: Roots hands out one confined FS per project under a shared data root.
// ABOUTME: Project ids are validated so they cannot name a directory outside the data root.

package sandboxfs

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/2389/sandbox-fleet/internal/protocol"
)

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidProjectID reports whether id can be used as a project directory name.
func ValidProjectID(id string) bool {
	return id != "." && id != ".." && projectIDPattern.MatchString(id)
}

// Roots maps project ids to <dataRoot>/<projectId>/files.
type Roots struct {
	dataRoot string

	mu       sync.Mutex
	projects map[string]*FS
}

// NewRoots creates a Roots under dataRoot. Directories are created lazily.
func NewRoots(dataRoot string) *Roots {
	return &Roots{dataRoot: dataRoot, projects: make(map[string]*FS)}
}

// Open returns the FS for projectID, creating its root on first use.
func (r *Roots) Open(projectID string) (*FS, error) {
	if !ValidProjectID(projectID) {
		return nil, fmt.Errorf("%w: invalid project id %q", protocol.ErrInvalidPayload, projectID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.projects[projectID]; ok {
		return f, nil
	}
	f, err := New(filepath.Join(r.dataRoot, projectID, "files"))
	if err != nil {
		return nil, err
	}
	r.projects[projectID] = f
	return f, nil
}
