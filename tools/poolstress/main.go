package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/pbufpool/internal/pbufpool"
	"github.com/SkynetNext/pbufpool/internal/skmem"
)

var (
	workers   = flag.Int("workers", 8, "Number of concurrent workers")
	duration  = flag.Duration("duration", 10*time.Second, "Test duration")
	packets   = flag.Uint("packets", 4096, "Packets in the pool")
	maxFrags  = flag.Uint("max-frags", 2, "Buflets per packet")
	bufSize   = flag.Uint("buf-size", 2048, "Buffer size in bytes")
	batch     = flag.Int("batch", 16, "Packets allocated per round")
	external  = flag.Bool("external", true, "Hand packets to simulated external owners")
	exitRate  = flag.Float64("exit-rate", 0.01, "Chance per round that an owner exits without freeing")
	magazines = flag.Bool("magazines", true, "Enable per-worker cache magazines")
	verbose   = flag.Bool("verbose", false, "Verbose output")
)

type Stats struct {
	Rounds       int64
	Allocated    int64
	Freed        int64
	Exhausted    int64
	Inserted     int64
	Removed      int64
	Purged       int64
	Violations   int64
	OtherErrors  int64
	MinLatency   time.Duration
	MaxLatency   time.Duration
	TotalLatency time.Duration
	LatencyCount int64
}

var stats Stats

func main() {
	flag.Parse()

	fmt.Printf("=== Packet Buffer Pool Stress Test ===\n")
	fmt.Printf("Workers: %d\n", *workers)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Pool: %d packets x %d frags, %d byte buffers\n", *packets, *maxFrags, *bufSize)
	fmt.Printf("External owners: %v (exit rate %.3f)\n", *external, *exitRate)
	fmt.Printf("\n")

	pp, err := newPool()
	if err != nil {
		fmt.Printf("❌ Pool creation failed: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	statsDone := make(chan struct{})
	go reportStats(ctx, statsDone)

	var wg sync.WaitGroup
	startTime := time.Now()
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runWorker(ctx, pp, id)
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(startTime)
	<-statsDone

	pp.Close()
	pp.Release()
	destroyErr := pp.Destroy()
	printFinalReport(elapsed, destroyErr)
}

func newPool() (*pbufpool.Pool, error) {
	var cfg skmem.RegionConfig
	if *magazines {
		cfg |= skmem.RegionMDMagazine
	}
	var params pbufpool.Params
	if err := pbufpool.AdjustParams(&params, pbufpool.Adjust{
		Packets:  uint32(*packets),
		MaxFrags: uint16(*maxFrags),
		BufSize:  uint32(*bufSize),
		Config:   cfg,
	}); err != nil {
		return nil, err
	}
	var cflags pbufpool.CreateFlags
	if *external {
		cflags |= pbufpool.CreateExternal
	}
	return pbufpool.Create("poolstress", &params, nil, nil, cflags)
}

// runWorker plays one trusted producer handing packets to its own external
// owner and taking them back.
func runWorker(ctx context.Context, pp *pbufpool.Pool, id int) {
	rng := rand.New(rand.NewSource(int64(id) + time.Now().UnixNano()))
	owner := pbufpool.OwnerID(id + 1)
	hs := make([]pbufpool.Handle, *batch)

	for ctx.Err() == nil {
		atomic.AddInt64(&stats.Rounds, 1)

		start := time.Now()
		n, err := pp.AllocPacketBatch(0, hs, true, nil)
		recordLatency(time.Since(start))
		atomic.AddInt64(&stats.Allocated, int64(n))
		if err != nil {
			count(err)
			if n == 0 {
				time.Sleep(time.Millisecond)
				continue
			}
		}
		got := hs[:n]

		if *external {
			if err := pp.InsertPacketBatch(owner, got); err != nil {
				count(err)
				freeAll(pp, got)
				continue
			}
			atomic.AddInt64(&stats.Inserted, int64(n))

			if rng.Float64() < *exitRate {
				// owner dies holding everything
				purged := pp.Purge(owner)
				atomic.AddInt64(&stats.Purged, int64(purged))
				if *verbose {
					fmt.Printf("owner %d exited, %d objects reclaimed\n", owner, purged)
				}
				continue
			}

			for _, h := range got {
				if _, err := pp.RemovePacket(h); err != nil {
					count(err)
					continue
				}
				atomic.AddInt64(&stats.Removed, 1)
			}
		}
		freeAll(pp, got)
	}
}

func freeAll(pp *pbufpool.Pool, hs []pbufpool.Handle) {
	for _, h := range hs {
		if err := pp.FreePacket(h); err != nil {
			count(err)
			continue
		}
		atomic.AddInt64(&stats.Freed, 1)
	}
}

func count(err error) {
	switch {
	case errors.Is(err, pbufpool.ErrExhausted):
		atomic.AddInt64(&stats.Exhausted, 1)
	case errors.Is(err, pbufpool.ErrConsistencyViolation):
		atomic.AddInt64(&stats.Violations, 1)
		if *verbose {
			fmt.Printf("❌ %v\n", err)
		}
	default:
		atomic.AddInt64(&stats.OtherErrors, 1)
		if *verbose {
			fmt.Printf("❌ %v\n", err)
		}
	}
}

func recordLatency(latency time.Duration) {
	atomic.AddInt64(&stats.LatencyCount, 1)
	for {
		oldMin := atomic.LoadInt64((*int64)(&stats.MinLatency))
		if oldMin != 0 && latency >= time.Duration(oldMin) {
			break
		}
		if atomic.CompareAndSwapInt64((*int64)(&stats.MinLatency), oldMin, int64(latency)) {
			break
		}
	}
	for {
		oldMax := atomic.LoadInt64((*int64)(&stats.MaxLatency))
		if latency <= time.Duration(oldMax) {
			break
		}
		if atomic.CompareAndSwapInt64((*int64)(&stats.MaxLatency), oldMax, int64(latency)) {
			break
		}
	}
	atomic.AddInt64((*int64)(&stats.TotalLatency), int64(latency))
}

func reportStats(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printStats()
		}
	}
}

func printStats() {
	fmt.Printf("\r[Stats] Rounds: %d | Alloc: %d | Freed: %d | Purged: %d | Exhausted: %d | Violations: %d",
		atomic.LoadInt64(&stats.Rounds),
		atomic.LoadInt64(&stats.Allocated),
		atomic.LoadInt64(&stats.Freed),
		atomic.LoadInt64(&stats.Purged),
		atomic.LoadInt64(&stats.Exhausted),
		atomic.LoadInt64(&stats.Violations),
	)
}

func printFinalReport(elapsed time.Duration, destroyErr error) {
	fmt.Printf("\n\n=== Final Report ===\n")
	fmt.Printf("Duration: %v\n", elapsed)

	allocated := atomic.LoadInt64(&stats.Allocated)
	freed := atomic.LoadInt64(&stats.Freed)
	purged := atomic.LoadInt64(&stats.Purged)
	violations := atomic.LoadInt64(&stats.Violations)
	others := atomic.LoadInt64(&stats.OtherErrors)

	fmt.Printf("\n--- Packets ---\n")
	fmt.Printf("Allocated: %d\n", allocated)
	fmt.Printf("Freed: %d\n", freed)
	fmt.Printf("Reclaimed from exited owners: %d\n", purged)
	fmt.Printf("Throughput: %.2f packets/s\n", float64(allocated)/elapsed.Seconds())

	fmt.Printf("\n--- Ownership ---\n")
	fmt.Printf("Inserted: %d\n", atomic.LoadInt64(&stats.Inserted))
	fmt.Printf("Removed: %d\n", atomic.LoadInt64(&stats.Removed))

	fmt.Printf("\n--- Batch allocation latency ---\n")
	if n := atomic.LoadInt64(&stats.LatencyCount); n > 0 {
		fmt.Printf("Min: %v\n", time.Duration(atomic.LoadInt64((*int64)(&stats.MinLatency))))
		fmt.Printf("Max: %v\n", time.Duration(atomic.LoadInt64((*int64)(&stats.MaxLatency))))
		fmt.Printf("Avg: %v\n", time.Duration(atomic.LoadInt64((*int64)(&stats.TotalLatency))/n))
	}

	fmt.Printf("\n--- Errors ---\n")
	fmt.Printf("Exhausted: %d\n", atomic.LoadInt64(&stats.Exhausted))
	fmt.Printf("Consistency violations: %d\n", violations)
	fmt.Printf("Other errors: %d\n", others)

	// Every packet must be back before the pool can go
	if destroyErr != nil || violations > 0 || others > 0 {
		fmt.Printf("\n❌ Test failed: destroy: %v\n", destroyErr)
		os.Exit(1)
	}
	fmt.Printf("\n✅ Test completed successfully\n")
}
