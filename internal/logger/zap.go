package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap logger at the given level ("debug", "info", "warn",
// "error") that writes console output to stderr and mirrors every entry into
// ring. A nil ring disables the mirror.
func New(level string, ring *Ring) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	console := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		lvl,
	)

	core := console
	if ring != nil {
		core = zapcore.NewTee(console, NewRingCore(ring, lvl))
	}
	return zap.New(core), nil
}

// ringCore is a zapcore.Core that stores entries in a Ring.
type ringCore struct {
	zapcore.LevelEnabler
	ring   *Ring
	fields []zapcore.Field
}

// NewRingCore returns a core writing entries at or above enab into ring.
func NewRingCore(ring *Ring, enab zapcore.LevelEnabler) zapcore.Core {
	return &ringCore{LevelEnabler: enab, ring: ring}
}

func (c *ringCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &ringCore{LevelEnabler: c.LevelEnabler, ring: c.ring, fields: merged}
}

func (c *ringCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *ringCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	msg := Message{
		Timestamp: ent.Time,
		Text:      ent.Message,
		Level:     ent.Level.String(),
	}
	if len(enc.Fields) > 0 {
		msg.Fields = make(map[string]string, len(enc.Fields))
		for k, v := range enc.Fields {
			msg.Fields[k] = fmt.Sprint(v)
		}
	}
	c.ring.Add(msg)
	return nil
}

func (c *ringCore) Sync() error { return nil }
