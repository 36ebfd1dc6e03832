/*
Package resilience provides a circuit breaker.

The registry puts one in front of log appends: when the log keeps failing
(disk full, store closed underneath) callers get ErrCircuitOpen at once
instead of queueing on a broken writer.

# Usage

	breaker := resilience.New("oplog", resilience.Settings{
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	seq, err := resilience.Execute(breaker, func() (uint64, error) {
		return log.Append(ctx, op)
	})

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                    [failure]
	                                           |
	                                           v
	                                         Open
*/
package resilience
