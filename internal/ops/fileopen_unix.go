//go:build !windows

package ops

import (
	stderrors "errors"
	"os"
	"syscall"

	"github.com/hpungsan/nudge/internal/errors"
)

// openNoFollow opens path with O_NOFOLLOW so a symlink swapped in after
// ValidatePath ran is refused rather than followed.
func openNoFollow(path string, mode PathCheckMode) (*os.File, error) {
	flag, perm := mode.openFlags()
	fd, err := syscall.Open(path, flag|syscall.O_NOFOLLOW|syscall.O_CLOEXEC, uint32(perm))
	switch {
	case err == nil:
		return os.NewFile(uintptr(fd), path), nil
	case stderrors.Is(err, syscall.ELOOP):
		return nil, errors.NewInvalidRequest("refusing to " + mode.verb() + " through a symlink: " + path)
	case mode == PathCheckRead && stderrors.Is(err, syscall.ENOENT):
		return nil, errors.NewFileNotFound(path)
	}
	return nil, err
}
