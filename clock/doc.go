// Package clock provides the time source and cooperative scheduling primitives
// used by the cache and fetch layers.
//
// Components never read the wall clock directly. They receive a Clock and use
// it for timestamps, delayed tasks (AfterFunc), timeouts (WithTimeout) and
// retry delays (Backoff). Tests swap in a Fake and move time with Advance:
//
//	clk := clock.NewFake(time.Unix(0, 0))
//	store, _ := cache.NewStore(cache.DefaultConfig(), cache.WithClock(clk))
//	clk.Advance(61 * time.Second)
//
// Fake.WaitForTimers lets a test wait until background work has scheduled its
// next task before advancing, which keeps retry and debounce tests
// deterministic.
package clock
