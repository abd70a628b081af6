package latestonlychannel

// New returns the two ends of a pipe which never blocks the writer for longer
// than it takes to hand the value to the internal goroutine.  When the reader
// falls behind, older values are dropped in favour of the newest one, so the
// reader only ever observes count(output) <= count(input).  Closing the input
// end releases the internal goroutine and closes the output end once any
// pending value has been delivered or discarded.
func New[T any]() (chan<- T, <-chan T) {
	inputCh := make(chan T)
	outputCh := make(chan T)

	go func() {
		defer close(outputCh)

		var pending T
		hasPending := false

		for {
			if !hasPending {
				value, ok := <-inputCh
				if !ok {
					return
				}

				pending = value
				hasPending = true
				continue
			}

			select {
			case outputCh <- pending:
				var zero T
				pending = zero
				hasPending = false
			case value, ok := <-inputCh:
				if !ok {
					// flush the last value so a closing writer does not lose it
					outputCh <- pending
					return
				}

				pending = value
			}
		}
	}()

	return inputCh, outputCh
}
