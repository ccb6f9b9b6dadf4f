package checkpoint

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
)

// Extension of every checkpoint weight file.
const Extension = ".arrow"

var namePattern = regexp.MustCompile(`^(.+)_epoch(\d+)_acc(\d+(?:\.\d+)?)\.arrow$`)

// Name formats the storage name for a snapshot: <model>_epoch03_acc95.22.arrow.
// acc is a fraction; the name carries it as a percentage.
func Name(model string, epoch int, acc float64) string {
	return fmt.Sprintf("%s_epoch%02d_acc%.2f%s", model, epoch, acc*100, Extension)
}

// ParseName recovers the model, epoch and accuracy fraction from a name
// produced by Name. Directories in the path are ignored.
func ParseName(name string) (model string, epoch int, acc float64, err error) {
	m := namePattern.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return "", 0, 0, fmt.Errorf("checkpoint: %q is not a checkpoint name", name)
	}
	epoch, err = strconv.Atoi(m[2])
	if err != nil {
		return "", 0, 0, fmt.Errorf("checkpoint: bad epoch in %q: %w", name, err)
	}
	pct, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("checkpoint: bad accuracy in %q: %w", name, err)
	}
	return m[1], epoch, pct / 100, nil
}
