package log

import (
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewTerminalHandler returns a zap.Logger writing level-colorized lines to a
// tty, mirroring the CLI tools in cmd/kcn/main.go that color their console
// output with fatih/color and wrap os.Stdout in mattn/go-colorable so ANSI
// codes render correctly on Windows consoles too.
func NewTerminalHandler(level zapcore.Level) *zap.Logger {
	out := colorable.NewColorableStdout()
	encCfg := zapcore.EncoderConfig{
		TimeKey:     "t",
		LevelKey:    "lvl",
		MessageKey:  "msg",
		NameKey:     "module",
		EncodeTime:  zapcore.TimeEncoderOfLayout("15:04:05"),
		EncodeLevel: colorLevelEncoder,
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(out), level)
	return zap.New(core)
}

func colorLevelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	var c *color.Color
	switch l {
	case zapcore.DebugLevel:
		c = color.New(color.FgCyan)
	case zapcore.InfoLevel:
		c = color.New(color.FgGreen)
	case zapcore.WarnLevel:
		c = color.New(color.FgYellow)
	default:
		c = color.New(color.FgRed)
	}
	enc.AppendString(c.Sprint(l.CapitalString()))
}

// IsTerminal reports whether stdout, where NewTerminalHandler writes, looks
// like an interactive console.
func IsTerminal() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
