//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binary   = "bin/usage-server"
	wireDir  = "./internal/app"
	coverOut = "coverage.out"
)

// Default target when running mage without arguments.
var Default = Build

// Build regenerates the injector and builds the server binary.
func Build() error {
	mg.Deps(Wire)
	fmt.Println("Building usage-server...")
	return sh.Run("go", "build", "-o", binary, "./cmd/server")
}

// Wire regenerates internal/app/wire_gen.go.
func Wire() error {
	fmt.Println("Running wire...")
	return sh.Run("wire", wireDir)
}

// Test runs the unit tests.
func Test() error {
	fmt.Println("Running tests...")
	return sh.RunV("go", "test", "-race", "./...")
}

// TestIntegration runs the Postgres and Redis tests in containers. Needs Docker.
func TestIntegration() error {
	fmt.Println("Running integration tests...")
	return sh.RunV("go", "test", "-tags", "integration", "-count=1", "./internal/...")
}

// Lint runs go vet and golangci-lint.
func Lint() error {
	fmt.Println("Running linters...")
	if err := sh.Run("go", "vet", "./..."); err != nil {
		return err
	}
	return sh.RunV("golangci-lint", "run", "./...")
}

// Migrate applies the embedded migrations using configs/config.yaml.
func Migrate() error {
	fmt.Println("Applying migrations...")
	return sh.RunV("go", "run", "./cmd/server", "migrate", "up")
}

// Dev builds and serves with the local config.
func Dev() error {
	mg.Deps(Build)
	fmt.Println("Starting server...")
	return sh.RunV(binary, "serve")
}

// CI runs lint, tests with coverage and the build.
func CI() error {
	mg.SerialDeps(Lint)
	if err := sh.RunV("go", "test", "-race", "-coverprofile="+coverOut, "./..."); err != nil {
		return err
	}
	mg.SerialDeps(Build)
	return nil
}

// Tools installs wire and golangci-lint.
func Tools() error {
	for _, tool := range []string{
		"github.com/google/wire/cmd/wire@latest",
		"github.com/golangci/golangci-lint/cmd/golangci-lint@latest",
	} {
		fmt.Printf("  Installing %s\n", tool)
		if err := sh.Run("go", "install", tool); err != nil {
			return fmt.Errorf("installing %s: %w", tool, err)
		}
	}
	return nil
}

// Clean removes build artifacts.
func Clean() error {
	fmt.Println("Cleaning...")
	if err := os.RemoveAll("bin"); err != nil {
		return err
	}
	return sh.Rm(coverOut)
}
