package logger

import (
	"io"
	"log"

	"github.com/hashicorp/go-hclog"
)

// HCLogBridge adapts a Logger to hclog.Logger so that libraries expecting
// hclog (the embedded consensus library in particular) share the process
// log sink. Level state is tracked locally; the wrapped Logger applies its
// own threshold on top.
type HCLogBridge struct {
	target Logger
	name   string
	level  hclog.Level
}

// NewHCLogBridge wraps target in an hclog.Logger.
func NewHCLogBridge(target Logger, name string) hclog.Logger {
	return &HCLogBridge{
		target: target.WithComponent(name),
		name:   name,
		level:  hclog.Info,
	}
}

func (b *HCLogBridge) Log(level hclog.Level, msg string, args ...any) {
	switch level {
	case hclog.Trace, hclog.Debug:
		b.target.Debugw(msg, args...)
	case hclog.Info, hclog.NoLevel:
		b.target.Infow(msg, args...)
	case hclog.Warn:
		b.target.Warnw(msg, args...)
	case hclog.Error:
		b.target.Errorw(msg, args...)
	}
}

func (b *HCLogBridge) Trace(msg string, args ...any) { b.target.Debugw(msg, args...) }
func (b *HCLogBridge) Debug(msg string, args ...any) { b.target.Debugw(msg, args...) }
func (b *HCLogBridge) Info(msg string, args ...any)  { b.target.Infow(msg, args...) }
func (b *HCLogBridge) Warn(msg string, args ...any)  { b.target.Warnw(msg, args...) }
func (b *HCLogBridge) Error(msg string, args ...any) { b.target.Errorw(msg, args...) }

func (b *HCLogBridge) IsTrace() bool { return b.level <= hclog.Trace }
func (b *HCLogBridge) IsDebug() bool { return b.level <= hclog.Debug }
func (b *HCLogBridge) IsInfo() bool  { return b.level <= hclog.Info }
func (b *HCLogBridge) IsWarn() bool  { return b.level <= hclog.Warn }
func (b *HCLogBridge) IsError() bool { return b.level <= hclog.Error }

func (b *HCLogBridge) ImpliedArgs() []any { return nil }

func (b *HCLogBridge) With(args ...any) hclog.Logger {
	return &HCLogBridge{target: b.target.With(args...), name: b.name, level: b.level}
}

func (b *HCLogBridge) Name() string { return b.name }

func (b *HCLogBridge) Named(name string) hclog.Logger {
	full := name
	if b.name != "" {
		full = b.name + "." + name
	}
	return &HCLogBridge{target: b.target.WithComponent(full), name: full, level: b.level}
}

func (b *HCLogBridge) ResetNamed(name string) hclog.Logger {
	return &HCLogBridge{target: b.target.WithComponent(name), name: name, level: b.level}
}

func (b *HCLogBridge) SetLevel(level hclog.Level) { b.level = level }
func (b *HCLogBridge) GetLevel() hclog.Level      { return b.level }

func (b *HCLogBridge) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return log.New(b.StandardWriter(opts), "", 0)
}

func (b *HCLogBridge) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	return &bridgeWriter{target: b.target}
}

type bridgeWriter struct {
	target Logger
}

func (w *bridgeWriter) Write(p []byte) (int, error) {
	w.target.Infow(string(p))
	return len(p), nil
}
