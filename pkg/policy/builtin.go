package policy

import (
	"time"
)

// Content size limits enforced by the file-size policy.
const (
	MaxContentBytes  = 512 * 1024
	WarnContentBytes = 128 * 1024
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		protectedPathsPolicy(),
		environmentFilesPolicy(),
		lockfilesPolicy(),
		pathTraversalPolicy(),
		fileSizePolicy(),
	}
}

func builtin(p Policy) Policy {
	now := time.Now()
	p.Enabled = true
	p.Builtin = true
	p.CreatedAt = now
	p.UpdatedAt = now
	return p
}

// protectedPathsPolicy keeps generated code out of CI config, git internals
// and installed dependencies.
func protectedPathsPolicy() Policy {
	return builtin(Policy{
		Name:        "protected-paths",
		Description: "Denies changes under .github/, .git/ and node_modules/",
		Severity:    SeverityError,
		Tags:        []string{"paths", "security"},
		Rego: `package wisp.policies.protected_paths

import rego.v1

protected := [".github", ".git", "node_modules"]

deny contains violation if {
	segments := split(input.change.path, "/")
	some dir in protected
	some i
	segments[i] == dir
	i < count(segments) - 1
	violation := {
		"message": sprintf("%s is under protected directory %s/", [input.change.path, dir]),
		"severity": "error",
	}
}
`,
	})
}

// environmentFilesPolicy blocks writes to dotenv files, which hold secrets.
func environmentFilesPolicy() Policy {
	return builtin(Policy{
		Name:        "environment-files",
		Description: "Denies changes to .env files",
		Severity:    SeverityError,
		Tags:        []string{"paths", "secrets"},
		Rego: `package wisp.policies.environment_files

import rego.v1

deny contains violation if {
	segments := split(input.change.path, "/")
	name := segments[count(segments) - 1]
	startswith(name, ".env")
	violation := {
		"message": sprintf("%s is an environment file", [input.change.path]),
		"severity": "error",
	}
}
`,
	})
}

// lockfilesPolicy leaves dependency resolution to the package manager.
func lockfilesPolicy() Policy {
	return builtin(Policy{
		Name:        "lockfiles",
		Description: "Denies changes to package manager lockfiles",
		Severity:    SeverityError,
		Tags:        []string{"paths", "dependencies"},
		Rego: `package wisp.policies.lockfiles

import rego.v1

lockfiles := {
	"package-lock.json",
	"npm-shrinkwrap.json",
	"yarn.lock",
	"pnpm-lock.yaml",
	"bun.lockb",
	"bun.lock",
}

deny contains violation if {
	segments := split(input.change.path, "/")
	name := segments[count(segments) - 1]
	lockfiles[name]
	violation := {
		"message": sprintf("%s is a lockfile and is regenerated by the package manager", [input.change.path]),
		"severity": "error",
	}
}
`,
	})
}

// pathTraversalPolicy keeps every write inside the repository root.
func pathTraversalPolicy() Policy {
	return builtin(Policy{
		Name:        "path-traversal",
		Description: "Denies absolute paths and .. segments",
		Severity:    SeverityCritical,
		Tags:        []string{"paths", "security"},
		Rego: `package wisp.policies.path_traversal

import rego.v1

deny contains violation if {
	startswith(input.change.path, "/")
	violation := {
		"message": sprintf("%s is an absolute path", [input.change.path]),
		"severity": "critical",
	}
}

deny contains violation if {
	some segment in split(input.change.path, "/")
	segment == ".."
	violation := {
		"message": sprintf("%s escapes the repository root", [input.change.path]),
		"severity": "critical",
	}
}
`,
	})
}

// fileSizePolicy bounds generated file size.
func fileSizePolicy() Policy {
	return builtin(Policy{
		Name:        "file-size",
		Description: "Denies files over 512 KiB and warns over 128 KiB",
		Severity:    SeverityError,
		Tags:        []string{"content"},
		Rego: `package wisp.policies.file_size

import rego.v1

max_bytes := 524288

warn_bytes := 131072

deny contains violation if {
	input.change.size > max_bytes
	violation := {
		"message": sprintf("%s is %d bytes, over the %d byte limit", [input.change.path, input.change.size, max_bytes]),
		"severity": "error",
	}
}

deny contains violation if {
	input.change.size > warn_bytes
	input.change.size <= max_bytes
	violation := {
		"message": sprintf("%s is %d bytes; large generated files are hard to review", [input.change.path, input.change.size]),
		"severity": "warning",
	}
}
`,
	})
}
