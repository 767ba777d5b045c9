//go:build windows

package ops

import (
	"os"

	"github.com/hpungsan/nudge/internal/errors"
)

// openNoFollow opens path. Windows has no O_NOFOLLOW; ValidatePath already
// rejected symlinked paths.
func openNoFollow(path string, mode PathCheckMode) (*os.File, error) {
	flag, perm := mode.openFlags()
	f, err := os.OpenFile(path, flag, perm)
	if err != nil && mode == PathCheckRead && os.IsNotExist(err) {
		return nil, errors.NewFileNotFound(path)
	}
	return f, err
}
