package resilience_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	resilience "github.com/glimte/resilience-go"
	"github.com/glimte/resilience-go/breaker"
	"github.com/glimte/resilience-go/retry"
)

func Example() {
	sup := resilience.NewSupervisor()
	if err := sup.Start(); err != nil {
		panic(err)
	}
	defer sup.Stop()

	sup.Circuit("billing-api",
		breaker.WithFailureThreshold(3),
		breaker.WithOpenDuration(10*time.Second),
	)

	policy := retry.Policy{
		MaxRetries:    2,
		InitialDelay:  time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		BackoffFactor: 2.0,
		RetryOn:       retry.RetryOnKinds(retry.KindTransient),
	}

	calls := 0
	err := sup.WithRetry(context.Background(), "charge", func(ctx context.Context) error {
		return sup.CallThrough(ctx, "billing-api", func(ctx context.Context) error {
			calls++
			if calls == 1 {
				return retry.Transient(errors.New("connection reset"))
			}
			return nil
		})
	}, policy)

	fmt.Println(err, calls)
	// Output: <nil> 2
}
