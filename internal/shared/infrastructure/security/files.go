// Package security guards files named on the command line: provisioning
// files and secret files.
package security

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsafePath is returned for paths carrying shell metacharacters or
// control characters.
var ErrUnsafePath = errors.New("unsafe file path")

// ErrWorldReadable is returned when a secret file can be read by others.
var ErrWorldReadable = errors.New("secret file is readable by other users")

const forbidden = ";&|$`(){}<>!\n\r\x00"

// CleanPath returns path made absolute, cleaned and, when the file
// exists, with symlinks resolved.
func CleanPath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty", ErrUnsafePath)
	}
	if i := strings.IndexAny(path, forbidden); i >= 0 {
		return "", fmt.Errorf("%w: forbidden character %q in %s", ErrUnsafePath, path[i], path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return abs, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	return resolved, nil
}

// Open opens a regular file after CleanPath.
func Open(path string) (*os.File, error) {
	clean, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(clean) // #nosec G304 -- cleaned above
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	return f, nil
}

// ReadSecret reads a password or token from a file. The file must not be
// readable by group or others; surrounding whitespace is dropped.
func ReadSecret(path string) (string, error) {
	f, err := Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.Mode().Perm()&0o077 != 0 {
		return "", fmt.Errorf("%w: %s has mode %04o", ErrWorldReadable, path, info.Mode().Perm())
	}
	data, err := os.ReadFile(f.Name()) // #nosec G304 -- cleaned by Open
	if err != nil {
		return "", err
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", path)
	}
	return secret, nil
}
