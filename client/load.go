package client

import (
	"fmt"
	"sync"
	"time"
)

// LoadResult summarizes a load test run
type LoadResult struct {
	Requests int
	Errors   int
	Duration time.Duration
}

// Throughput returns completed requests per second
func (r *LoadResult) Throughput() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Requests) / r.Duration.Seconds()
}

type loadOp struct {
	set   bool
	key   string
	value string
}

// LoadTest performs numRequests operations against addr over the given
// number of concurrent connections, alternating between set and get.
func LoadTest(addr string, config Config, numRequests, connections int) (*LoadResult, error) {
	if connections <= 0 {
		connections = 1
	}

	clients := make([]*Client, 0, connections)
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()
	for i := 0; i < connections; i++ {
		c, err := Dial(addr, config)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}

	ops := make(chan loadOp, connections)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		errCount int
		firstErr error
	)

	start := time.Now()
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			for op := range ops {
				var err error
				if op.set {
					err = c.Set(op.key, op.value)
				} else {
					_, _, err = c.Get(op.key)
				}
				if err != nil {
					mu.Lock()
					errCount++
					if firstErr == nil {
						firstErr = fmt.Errorf("operation failed for key %s: %w", op.key, err)
					}
					mu.Unlock()
				}
			}
		}(c)
	}

	// Generate operations
	for i := 0; i < numRequests; i++ {
		key := fmt.Sprintf("key_%d", i/2)
		ops <- loadOp{set: i%2 == 0, key: key, value: fmt.Sprintf("value_%d", i)}
	}
	close(ops)
	wg.Wait()

	return &LoadResult{
		Requests: numRequests,
		Errors:   errCount,
		Duration: time.Since(start),
	}, firstErr
}
