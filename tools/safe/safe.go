package safe

import (
	"CollabProject/logger"
)

// Go starts a goroutine that recovers from panic so a misbehaving
// fire-and-forget path never takes the gateway down.
func Go(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe.Go] panic recovered: %v", r)
			}
		}()
		f()
	}()
}
