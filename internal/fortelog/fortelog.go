// Package fortelog wires this module's components to the logiface
// logging facade, the same facade the teacher codebase (and its
// izerolog backend) uses throughout.
//
// No package in this module holds a package-level logger singleton;
// every constructor accepts a *logiface.Logger[logiface.Event] (nil
// defaults, via Discard, to a logger that drops everything).
package fortelog

import (
	"io"
	"os"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// L is a convenience alias for the generic logiface factory, matching
// the teacher's own exported L global.
var L = logiface.LoggerFactory[logiface.Event]{}

// NewDefault builds a logiface logger backed by zerolog, writing to w
// (defaulting to os.Stderr if nil) at the given level.
func NewDefault(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	if w == nil {
		w = os.Stderr
	}
	zl := zerolog.New(w).With().Timestamp().Logger()
	zFactory := izerolog.LoggerFactory{}
	return zFactory.New(zFactory.WithZerolog(zl), zFactory.WithLevel(level)).Logger()
}

// Discard returns a logger that drops every event, used as the default
// when a constructor receives a nil logger.
func Discard() *logiface.Logger[logiface.Event] {
	return NewDefault(io.Discard, logiface.LevelDisabled)
}

// OrDiscard returns l, or a discard logger if l is nil.
func OrDiscard(l *logiface.Logger[logiface.Event]) *logiface.Logger[logiface.Event] {
	if l == nil {
		return Discard()
	}
	return l
}
