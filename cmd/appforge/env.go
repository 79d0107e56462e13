package main

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// findProjectRoot walks up from the working directory to the nearest
// directory holding a .appforge directory or a .env file.
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		for _, marker := range []string{".appforge", ".env"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

// loadDotEnv loads the project's .env file if there is one. Variables
// already set in the environment win.
func loadDotEnv() error {
	root, err := findProjectRoot()
	if err != nil {
		return nil
	}
	envPath := filepath.Join(root, ".env")
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(envPath)
}
