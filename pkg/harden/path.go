package harden

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ValidatePath rejects empty strings, NUL bytes, parent-directory
// components, and any path that canonicalizes outside allowedRoot. On
// success it returns the canonical, absolute path to a regular file.
func ValidatePath(userInput, allowedRoot string) (string, error) {
	if userInput == "" {
		return "", fmt.Errorf("invalid path: empty")
	}
	if strings.ContainsRune(userInput, 0) {
		return "", fmt.Errorf("invalid path: contains NUL byte")
	}
	for _, part := range strings.Split(filepath.ToSlash(userInput), "/") {
		if part == ".." {
			return "", fmt.Errorf("invalid path: parent-directory component")
		}
	}

	root, err := filepath.Abs(allowedRoot)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	root, err = filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}

	var candidate string
	if filepath.IsAbs(userInput) {
		candidate = userInput
	} else {
		candidate = filepath.Join(root, userInput)
	}

	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}

	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid path: escapes allowed root")
	}

	fi, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return "", fmt.Errorf("invalid path: not a regular file")
	}

	return resolved, nil
}
