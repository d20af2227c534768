// Package logging provides the small structured-logging helper used
// throughout the coordinator. The teacher repo's own util/log package
// lives inside the cockroach monorepo and is not an importable
// third-party module, so this package follows its shape (leveled,
// structured, one logger per component) on top of the standard
// library's log/slog instead of reimplementing a bespoke logger.
package logging

import (
	"log/slog"
	"os"
	"sync"
)

var (
	once   sync.Once
	base   *slog.Logger
)

func root() *slog.Logger {
	once.Do(func() {
		base = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	})
	return base
}

// For returns a logger scoped to the named component, e.g.
// logging.For("shardstate").
func For(component string) *slog.Logger {
	return root().With("component", component)
}

// SetOutput lets tests or a cmd/ binary redirect the base logger.
func SetOutput(l *slog.Logger) {
	base = l
}
