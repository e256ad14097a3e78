// Package policy provides Open Policy Agent (OPA) integration for Wisp.
//
// Every change set produced by the code generator, for the initial feature
// commit and for each self-healing fix, is reviewed here before it reaches
// the repository. Engine implements engine.ChangeGuard: each file change is
// evaluated against the enabled Rego policies and any blocking violation
// drops that change from the commit.
//
// # Usage
//
//	guard, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := guard.Review(ctx, engine.ChangeReview{
//	    ProjectID: project.ID,
//	    Purpose:   engine.PurposeFix,
//	    Changes:   changes.Changes,
//	})
//
// # Input Document
//
// Policies see one change at a time:
//
//	{
//	  "change":  {"path", "content", "description", "size", "lines"},
//	  "project": {"id", "name"},
//	  "context": {"purpose", "timestamp"}
//	}
//
// # Built-in Policies
//
//  1. protected-paths - .github/, .git/ and node_modules/ are off limits
//  2. environment-files - .env files may hold secrets
//  3. lockfiles - package manager lockfiles are regenerated, not written
//  4. path-traversal - absolute paths and .. segments
//  5. file-size - over 512 KiB is denied, over 128 KiB is a warning
//
// # Custom Policies
//
// Custom policies are .rego files (named after the file) or JSON policy
// definitions, and *.bundle.json files carrying several policies. JSON
// policies must set "enabled": true.
//
//	package custom.policies.styles
//
//	import rego.v1
//
//	deny contains violation if {
//	    endswith(input.change.path, ".css")
//	    contains(input.change.content, "!important")
//	    violation := {
//	        "message": "avoid !important",
//	        "severity": "warning",
//	    }
//	}
//
// Violations are read from the package's deny set. An entry is a message
// string or an object whose severity overrides the policy default.
// error and critical block the change; info and warning are reported only.
//
// # Hot Reload
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, func(policies []policy.Policy) error {
//	    return guard.ReplacePolicies(ctx, policies)
//	})
package policy
