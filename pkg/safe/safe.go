// pkg/safe/safe.go
package safe

import (
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/YaganovValera/snapshot-broadcaster/pkg/logger"
)

// Group runs goroutines that are isolated from each other: a panic is
// recovered and logged, and siblings keep running.
type Group struct {
	wg  sync.WaitGroup
	log *logger.Logger
}

// NewGroup returns an empty group logging under "safe".
func NewGroup(log *logger.Logger) *Group {
	return &Group{log: log.Named("safe")}
}

// Go starts fn in a protected goroutine. name identifies it in logs.
func (g *Group) Go(name string, fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.recoverPanic(name)
		fn()
	}()
}

// Wait blocks until every goroutine started with Go has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}

func (g *Group) recoverPanic(name string) {
	if r := recover(); r != nil {
		g.log.Error("panic recovered",
			zap.String("goroutine", name),
			zap.Any("error", r),
			zap.ByteString("stack", debug.Stack()),
		)
	}
}
