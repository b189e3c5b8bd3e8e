package main

import (
	"os"
	"path/filepath"
)

// styxyHome returns the path to the styxy home directory (~/.styxy).
func styxyHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".styxy"), nil
}
