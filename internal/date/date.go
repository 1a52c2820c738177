// Package date provides a cached, lock-free HTTP date header value.
package date

import (
	"sync/atomic"
	"time"
)

const httpTimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

var current atomic.Pointer[string]

// StartTicker refreshes the cached value every 500ms until the returned stop
// function is called.
func StartTicker() func() {
	update()

	ticker := time.NewTicker(500 * time.Millisecond)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				update()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}

func update() {
	s := time.Now().UTC().Format(httpTimeFormat)
	current.Store(&s)
}

// Current returns the cached date header value, formatting on the fly if the
// ticker was never started.
func Current() string {
	if p := current.Load(); p != nil {
		return *p
	}
	return time.Now().UTC().Format(httpTimeFormat)
}
