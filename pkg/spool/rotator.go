package spool

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// RotationTimeLayout is appended to the basename of rotated files.
// Colons are not portable to every filesystem.
const RotationTimeLayout = "2006-01-02_15:04:05"

// maxCollisionSuffix bounds the ".N" suffixes tried for one timestamp.
const maxCollisionSuffix = 999

// Outcome describes the result of a rotation check.
type Outcome struct {
	Rotated     bool
	RotatedName string
	// Size is the active file size observed by the check.
	Size int64
}

// Rotator hands full active files off to the spooling directory.
type Rotator struct {
	cache *HandleCache
	now   func() time.Time
}

// NewRotator creates a Rotator that closes handles through cache.
func NewRotator(cache *HandleCache) *Rotator {
	return &Rotator{cache: cache, now: time.Now}
}

// MaybeRotate moves activePath into spoolDir when its on-disk size is at or
// over threshold. The cached handle is flushed and closed first, so the next
// write reopens a fresh file under the same name. Failures are not retried.
func (r *Rotator) MaybeRotate(activePath, spoolDir string, threshold int64) (Outcome, error) {
	info, err := os.Stat(activePath)
	if errors.Is(err, fs.ErrNotExist) {
		return Outcome{}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: stat %s: %w", ErrRotation, activePath, err)
	}
	if !info.Mode().IsRegular() {
		return Outcome{}, fmt.Errorf("%w: %s is not a regular file", ErrRotation, activePath)
	}

	out := Outcome{Size: info.Size()}
	if out.Size < threshold {
		return out, nil
	}

	if err := r.cache.Close(activePath); err != nil {
		return out, fmt.Errorf("%w: close %s: %w", ErrRotation, activePath, err)
	}

	base := filepath.Join(spoolDir, filepath.Base(activePath)+"_"+r.now().Format(RotationTimeLayout))
	for i := 0; i <= maxCollisionSuffix; i++ {
		name := base
		if i > 0 {
			name = base + "." + strconv.Itoa(i)
		}
		err := renameNoReplace(activePath, name)
		if err == nil {
			out.Rotated = true
			out.RotatedName = name
			return out, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return out, fmt.Errorf("%w: %w", ErrRotation, err)
		}
	}
	return out, fmt.Errorf("%w: %w: %s", ErrRotation, ErrNameCollision, base)
}
