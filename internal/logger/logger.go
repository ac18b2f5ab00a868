// Package logger implements a logging system with a module tag.
// The module tag represents a scope where the log event is emitted.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Logging is the config info.
type Logging struct {
	Env   string
	Level string
}

// Logger is wrapper for rs/zerolog logger with module.
type Logger struct {
	*zerolog.Logger
	base   zerolog.Logger
	module string
}

// Module returns logger's module name.
func (l Logger) Module() string {
	return l.module
}

// Named creates a new Logger and assigns a module to it.
func (l *Logger) Named(name ...string) *Logger {
	mm := name
	if l.module != rootName {
		mm = append([]string{l.module}, name...)
	}
	module := strings.ToUpper(strings.Join(mm, "."))
	sub := l.base.With().Str("module", module).Logger()
	return &Logger{module: module, Logger: &sub, base: l.base}
}

const rootName = "root"

var root = rootLogger{}

type rootLogger struct {
	done uint32
	m    sync.Mutex
	l    *Logger
}

func (rl *rootLogger) verify() {
	if atomic.LoadUint32(&rl.done) == 0 {
		rl.setDefault()
	}
}

func (rl *rootLogger) setDefault() {
	rl.m.Lock()
	defer rl.m.Unlock()
	if rl.done == 0 {
		defer atomic.StoreUint32(&rl.done, 1)
		var err error
		rl.l, err = getLogger(Logging{Env: "prod", Level: "info"}, os.Stdout)
		if err != nil {
			panic(err)
		}
	}
}

func (rl *rootLogger) set(cfg Logging, w io.Writer) error {
	l, err := getLogger(cfg, w)
	if err != nil {
		return err
	}
	rl.m.Lock()
	rl.l = l
	rl.m.Unlock()
	atomic.StoreUint32(&rl.done, 1)
	return nil
}

// GetLogger return logger with a scope.
func GetLogger(scope ...string) *Logger {
	root.verify()
	root.m.Lock()
	l := root.l
	root.m.Unlock()
	if len(scope) < 1 {
		return l
	}
	return l.Named(scope...)
}

// Init initializes a rs/zerolog logger from user config.
func Init(cfg Logging) error {
	return root.set(cfg, os.Stdout)
}

// InitWriter is Init with an explicit destination; tests use it to capture
// output.
func InitWriter(cfg Logging, w io.Writer) error {
	return root.set(cfg, w)
}

func getLogger(cfg Logging, out io.Writer) (*Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	lvl, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	w := out
	if cfg.Env == "dev" {
		cw := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		cw.FormatLevel = func(i interface{}) string {
			return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
		}
		w = cw
	}
	l := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return &Logger{module: rootName, Logger: &l, base: l}, nil
}
