package engine_test

import (
	"errors"
	"fmt"
	"time"

	"github.com/usewisp/wisp/pkg/engine"
)

// Example_naming shows how requested names become unique slugs.
func Example_naming() {
	base := engine.NormalizeName("My Cool App!")
	fmt.Println(base)
	fmt.Println(engine.NextName(base, nil))
	fmt.Println(engine.NextName(base, []string{"my-cool-app"}))
	fmt.Println(engine.NextName(base, []string{"my-cool-app", "my-cool-app-3"}))

	// Output:
	// my-cool-app
	// my-cool-app
	// my-cool-app-2
	// my-cool-app-4
}

// Example_errorHandling demonstrates classification and traces.
func Example_errorHandling() {
	root := errors.New("HTTP 502")
	err := engine.NewExternalServiceError(engine.SystemHosting, "failed to create hosting project", root).
		WithOperation("create_hosting_project")

	fmt.Println("retryable:", engine.IsRetryable(err))
	fmt.Println("code:", engine.ErrorCode(err))
	fmt.Println(err.Chain())

	limited := engine.NewRateLimitedError(engine.SystemCodegen, "rate limited", 30*time.Second, nil)
	wait, _ := engine.RetryAfter(limited)
	fmt.Println("retry after:", wait)

	// Output:
	// retryable: true
	// code: EXTERNAL_SERVICE_FAILED
	// [failed to create hosting project HTTP 502]
	// retry after: 30s
}

// Example_statusValidation walks the project state machine.
func Example_statusValidation() {
	status := engine.ProjectStatusCreating
	for _, next := range []engine.ProjectStatus{
		engine.ProjectStatusDeploying,
		engine.ProjectStatusDeployed,
		engine.ProjectStatusFailed,
	} {
		fmt.Printf("%s -> %s: %v\n", status, next, status.CanTransitionTo(next))
		if status.CanTransitionTo(next) {
			status = next
		}
	}

	// Output:
	// creating -> deploying: true
	// deploying -> deployed: true
	// deployed -> failed: false
}

// Example_backoff prints the stage retry schedule.
func Example_backoff() {
	opts := engine.RetryOptions{MaxAttempts: 3, InitialDelay: time.Second}
	for k := 1; k < opts.MaxAttempts; k++ {
		fmt.Println(opts.Backoff(k))
	}

	// Output:
	// 1s
	// 2s
}
