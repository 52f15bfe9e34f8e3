package symbolic

import (
	"fmt"
	"regexp"
	"strings"
)

// ModuleKey identifies one debug symbol file: the debug file name as
// recorded in the crashing binary plus the build-specific debug ID.
type ModuleKey struct {
	DebugFile string
	DebugID   string
}

func (k ModuleKey) String() string {
	return k.DebugFile + "/" + k.DebugID
}

// SymName returns the canonical symbol file name for the module,
// e.g. "xul.pdb" -> "xul.sym".
func (k ModuleKey) SymName() string {
	name := k.DebugFile
	if strings.HasSuffix(name, ".pdb") {
		return strings.TrimSuffix(name, ".pdb") + ".sym"
	}
	return name + ".sym"
}

var (
	validDebugID   = regexp.MustCompile(`^[0-9A-Fa-f]{33,40}$`)
	validDebugFile = regexp.MustCompile(`^[0-9A-Za-z._+-]+$`)
)

type invalidModuleError struct {
	key ModuleKey
}

func (e invalidModuleError) Error() string {
	return fmt.Sprintf("invalid module key: %q/%q", e.key.DebugFile, e.key.DebugID)
}

// SanitizeKey validates that a module key is safe to embed in URLs and
// file system paths. Debug IDs are hex with a trailing age digit; debug
// file names must not contain path separators.
func SanitizeKey(key ModuleKey) (ModuleKey, error) {
	if key.DebugFile == "" || !validDebugFile.MatchString(key.DebugFile) {
		return ModuleKey{}, invalidModuleError{key: key}
	}
	if !validDebugID.MatchString(key.DebugID) {
		return ModuleKey{}, invalidModuleError{key: key}
	}
	key.DebugID = strings.ToUpper(key.DebugID)
	return key, nil
}

// IsInvalidModuleError reports whether err came from SanitizeKey.
func IsInvalidModuleError(err error) bool {
	_, ok := err.(invalidModuleError)
	return ok
}
