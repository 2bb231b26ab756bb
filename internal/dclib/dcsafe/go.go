// Copyright (c) 2020 - 2021 Lurelab. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.lurelab.io/terms.html

package dcsafe

// Go mimics the `go` goroutine built-in to execute function `f` in a goroutine
// but with the ability to safely recover from any panic occurring while it
// executes. To do so, it uses `Call()` and returns an error channel in order
// to retrieve any panic occurring during the execution of `f()` or the error
// it returns otherwise. The channel has a one-element buffer so that the
// goroutine never blocks on it, and nothing is sent when `f()` returns nil.
func Go(f func() error) <-chan error {
	c := make(chan error, 1)
	go func() {
		if err := Call(f); err != nil {
			c <- err
		}
	}()
	return c
}
