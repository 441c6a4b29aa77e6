// Package security keeps CLI file access inside the working directory.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideBoundary is wrapped by every traversal rejection.
var ErrOutsideBoundary = errors.New("path escapes boundary")

// ValidatePathWithinBoundary ensures that targetPath is within or equal to
// boundaryPath once both are made absolute. Relative targets are resolved
// against the process working directory.
//
//	boundary := "/srv/flows"
//	target := "/srv/flows/orders.json"     // valid
//	target := "/srv/flows/../../etc/passwd" // rejected
func ValidatePathWithinBoundary(boundaryPath, targetPath string) error {
	absBoundary, err := filepath.Abs(boundaryPath)
	if err != nil {
		return fmt.Errorf("failed to resolve boundary path %q: %w", boundaryPath, err)
	}

	absTarget, err := filepath.Abs(targetPath)
	if err != nil {
		return fmt.Errorf("failed to resolve target path %q: %w", targetPath, err)
	}

	return checkWithin(absBoundary, absTarget, targetPath)
}

// ValidatePathsWithinBoundary validates multiple target paths against a single boundary.
// Returns the first validation error encountered.
func ValidatePathsWithinBoundary(boundaryPath string, targetPaths ...string) error {
	for _, target := range targetPaths {
		if err := ValidatePathWithinBoundary(boundaryPath, target); err != nil {
			return err
		}
	}
	return nil
}

// ResolveWithin returns the absolute form of target, read relative to
// boundary when not absolute, or an error if it lies outside boundary.
func ResolveWithin(boundary, target string) (string, error) {
	if target == "" {
		return "", fmt.Errorf("empty path")
	}
	absBoundary, err := filepath.Abs(boundary)
	if err != nil {
		return "", fmt.Errorf("failed to resolve boundary path %q: %w", boundary, err)
	}

	absTarget := target
	if !filepath.IsAbs(absTarget) {
		absTarget = filepath.Join(absBoundary, absTarget)
	}
	absTarget = filepath.Clean(absTarget)

	if err := checkWithin(absBoundary, absTarget, target); err != nil {
		return "", err
	}
	return absTarget, nil
}

// ResolveInWorkDir is ResolveWithin rooted at the current working directory.
func ResolveInWorkDir(target string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	return ResolveWithin(wd, target)
}

func checkWithin(absBoundary, absTarget, original string) error {
	rel, err := filepath.Rel(absBoundary, absTarget)
	if err != nil {
		return fmt.Errorf("invalid path relationship between %q and %q: %w", absBoundary, absTarget, err)
	}

	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %q is outside %q", ErrOutsideBoundary, original, absBoundary)
	}
	return nil
}
