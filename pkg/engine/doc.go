// Package engine provides the provisioning and self-healing core of Wisp.
//
// # Overview
//
// Wisp turns a short description of a web app into a live deployment. For each
// project the orchestrator drives a fixed sequence of stages against external
// systems:
//
//  1. Name - Normalize the requested name and pick the first free slug (NameResolver)
//  2. Repository - Create the repository from a template (VCS)
//  3. Hosting - Create the hosting project and bind <name>.<suffix> (Hosting)
//  4. DNS - Create the CNAME record pointing at the hosting platform (DNS)
//  5. Feature - Optionally commit generated code for the description (ChangeApplier)
//  6. Verify - Poll until the custom domain verifies (DomainPoller)
//  7. Monitor - Wait for the deployment and commit generated fixes on build
//     failures, at most MaxFixAttempts times (DeploymentMonitor)
//
// Every failure is recorded on the project as status failed with a causal
// trace. Teardown reverses the external resources in any order and deletes
// the record only once all of them are gone.
//
// # Project Status
//
// A project moves through a small state machine:
//
//	creating -> deploying -> deployed
//	    |           |
//	    +-> failed <+
//
// Any of creating, deployed and failed may move to deleted. The store refuses
// other writes with INVALID_TRANSITION, which also stops a pipeline whose
// project was torn down underneath it.
//
// # Error Handling
//
// Errors are classified into four classes:
//
//   - Transient: upstream 5xx, timeouts, unclassified transport errors
//   - Throttled: rate limits (RATE_LIMITED, optionally with a retry-after)
//   - Conflict: uniqueness races, held leases, forbidden transitions
//   - Permanent: validation, permissions, exhausted self-healing
//
// Stage retries only repeat transient and throttled failures. Codes such as
// DEPLOYMENT_FAILED or FIX_GENERATION_EXHAUSTED are stable and surface in the
// HTTP adapter unchanged.
//
// # Concurrency
//
// Pipelines run in background goroutines owned by a Supervisor, keyed by
// project id. A Locker lease per project keeps two processes from driving the
// same project, and the Reaper fails projects whose pipeline stopped writing
// without holding a lease.
package engine
