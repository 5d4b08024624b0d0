// Package log provides the module-scoped, structured logger every PISA
// package logs through. It mirrors the teacher's log.NewModuleLogger
// convention: each package binds a package-level logger to a Module
// constant and logs with key/value pairs rather than formatted strings.
package log

import (
	"os"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the narrow vocabulary call sites use, independent of the zap
// backend underneath it.
type Logger interface {
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})

	// With returns a derived logger carrying additional fields on every
	// subsequent record.
	With(ctx ...interface{}) Logger
}

var root *zap.Logger

func init() {
	root = newZapLogger(InfoLevel, "console")
}

// SetLevel sets the minimum log level of loggers created after the call. A
// Logger already returned by NewModuleLogger or New keeps the level and
// format in force when it was created.
func SetLevel(lvl Level) {
	root = newZapLogger(lvl, currentFormat)
}

// SetFormat switches between "console" (colorized, human-readable) and
// "json" (machine-parseable) output for loggers created after the call; like
// SetLevel, it does not change loggers that already exist.
func SetFormat(format string) {
	currentFormat = format
	root = newZapLogger(currentLevel, format)
}

var currentLevel = InfoLevel
var currentFormat = "console"

func newZapLogger(lvl Level, format string) *zap.Logger {
	currentLevel = lvl

	var encoder zapcore.Encoder
	var out zapcore.WriteSyncer

	if format == "json" {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "t"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
		out = zapcore.AddSync(os.Stderr)
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = coloredLevelEncoder
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		encoder = zapcore.NewConsoleEncoder(cfg)
		if isatty.IsTerminal(os.Stderr.Fd()) {
			out = zapcore.AddSync(colorable.NewColorableStderr())
		} else {
			out = zapcore.AddSync(os.Stderr)
		}
	}

	core := zapcore.NewCore(encoder, out, zapLevel(lvl))
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2))
}

func coloredLevelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	var c *color.Color
	switch l {
	case zapcore.DebugLevel:
		c = color.New(color.FgCyan)
	case zapcore.InfoLevel:
		c = color.New(color.FgGreen)
	case zapcore.WarnLevel:
		c = color.New(color.FgYellow)
	case zapcore.ErrorLevel, zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		c = color.New(color.FgRed)
	default:
		c = color.New(color.Reset)
	}
	enc.AppendString(c.Sprint(l.CapitalString()))
}

// Level is the PISA severity vocabulary; it is intentionally a superset of
// zap's (Trace and Crit) to match the teacher's go-ethereum-style logger.
type Level int

const (
	CritLevel Level = iota
	ErrorLevel
	WarnLevel
	InfoLevel
	DebugLevel
	TraceLevel
)

// ParseLevel maps a config string ("trace", "debug", "info", "warn",
// "error", "crit") to a Level, defaulting to InfoLevel for anything else.
func ParseLevel(s string) Level {
	switch s {
	case "trace":
		return TraceLevel
	case "debug":
		return DebugLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "crit":
		return CritLevel
	default:
		return InfoLevel
	}
}

func zapLevel(l Level) zapcore.Level {
	switch l {
	case CritLevel, ErrorLevel:
		return zapcore.ErrorLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case InfoLevel:
		return zapcore.InfoLevel
	default: // Debug, Trace: zap has no trace level, fold into Debug
		return zapcore.DebugLevel
	}
}

type logger struct {
	z *zap.SugaredLogger
}

func (l *logger) Trace(msg string, ctx ...interface{}) { l.z.Debugw(msg, ctx...) }
func (l *logger) Debug(msg string, ctx ...interface{})  { l.z.Debugw(msg, ctx...) }
func (l *logger) Info(msg string, ctx ...interface{})   { l.z.Infow(msg, ctx...) }
func (l *logger) Warn(msg string, ctx ...interface{}) {
	l.z.Warnw(msg, append(ctx, stackCtx()...)...)
}
func (l *logger) Error(msg string, ctx ...interface{}) {
	l.z.Errorw(msg, append(ctx, stackCtx()...)...)
}
func (l *logger) Crit(msg string, ctx ...interface{}) {
	l.z.Errorw(msg, append(ctx, stackCtx()...)...)
	os.Exit(1)
}
func (l *logger) With(ctx ...interface{}) Logger {
	return &logger{z: l.z.With(ctx...)}
}

// stackCtx returns a "caller" field pointing at the immediate caller of the
// logging call, used the way the teacher's logger attaches call-site
// context for Warn/Error/Crit records.
func stackCtx() []interface{} {
	c := stack.Caller(2)
	return []interface{}{"caller", c.String()}
}
