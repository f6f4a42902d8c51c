package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/insight-technology/restful-functions/internal/cli"
	"github.com/insight-technology/restful-functions/internal/job"
)

func main() {
	reg := job.NewRegistry()

	reg.MustRegister(job.Definition{
		Name: "addition",
		Args: []job.ArgSpec{
			{Name: "x", Type: job.Integer, Required: true, Description: "x"},
			{Name: "y", Type: job.Integer, Required: true, Description: "y"},
		},
		MaxConcurrency: 1,
		Description:    "Simple Addition",
		Body:           addition,
	})
	reg.MustRegister(job.Definition{
		Name:           "no_arg_job",
		MaxConcurrency: 1,
		Body:           noArgJob,
	})
	reg.MustRegister(job.Definition{
		Name:           "multi",
		MaxConcurrency: 2,
		Description:    "Parallel prime checks",
		Body:           multi,
	})
	reg.MustRegister(job.Definition{
		Name:           "multi2",
		MaxConcurrency: 2,
		Description:    "Parallel prime checks (another name)",
		Body:           multi,
	})
	reg.MustRegister(job.Definition{
		Name: "sleep",
		Args: []job.ArgSpec{
			{Name: "seconds", Type: job.Float, Required: true, Description: "how long to sleep"},
		},
		MaxConcurrency: 4,
		Description:    "Sleeps and returns the slept duration",
		Body:           sleep,
	})
	reg.MustRegister(job.Definition{
		Name:           "long_process",
		MaxConcurrency: 1,
		Description:    "timeout test",
		Timeout:        10 * time.Second,
		Body: func(ctx context.Context, _ job.Args) (any, error) {
			return sleep(ctx, job.Args{"seconds": 100.0})
		},
	})

	cli.Run(reg)
}

func addition(ctx context.Context, a job.Args) (any, error) {
	x, y := a.Int("x"), a.Int("y")
	job.Logf(ctx, "pid %d: %d+%d=%d", os.Getpid(), x, y, x+y)
	return x + y, nil
}

func noArgJob(ctx context.Context, _ job.Args) (any, error) {
	job.Logf(ctx, "pid %d: no args", os.Getpid())
	return nil, nil
}

func sleep(ctx context.Context, a job.Args) (any, error) {
	d := time.Duration(a.Float("seconds") * float64(time.Second))
	select {
	case <-time.After(d):
		return a.Float("seconds"), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var primes = []int64{
	112272535095293,
	112582705942171,
	112272535095293,
	115280095190773,
	115797848077099,
	1099726899285419,
}

func multi(ctx context.Context, _ job.Args) (any, error) {
	results := make([]bool, len(primes))

	g, gctx := errgroup.WithContext(ctx)
	for i, n := range primes {
		g.Go(func() error {
			ok, err := isPrime(gctx, n)
			results[i] = ok
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, n := range primes {
		job.Logf(ctx, "%d is prime: %t", n, results[i])
	}
	return true, nil
}

func isPrime(ctx context.Context, n int64) (bool, error) {
	if n < 2 {
		return false, nil
	}
	if n%2 == 0 {
		return n == 2, nil
	}
	limit := int64(math.Sqrt(float64(n)))
	for i := int64(3); i <= limit; i += 2 {
		if i%1_000_003 == 0 {
			if err := ctx.Err(); err != nil {
				return false, fmt.Errorf("prime check of %d: %w", n, err)
			}
		}
		if n%i == 0 {
			return false, nil
		}
	}
	return true, nil
}
