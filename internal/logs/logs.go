package logs

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger — общий логгер процесса.
var Logger = logrus.New()

type Options struct {
	Level      string // trace|debug|info|warn|error
	Format     string // text|json
	File       string // пусто — только stdout
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Init настраивает Logger. Повторный вызов перенастраивает.
func Init(o Options) {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(o.Level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)

	switch strings.ToLower(o.Format) {
	case "json":
		Logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	var out io.Writer = os.Stdout
	if o.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    orDefault(o.MaxSizeMB, 100),
			MaxBackups: orDefault(o.MaxBackups, 5),
			MaxAge:     orDefault(o.MaxAgeDays, 30),
			Compress:   true,
		})
	}
	Logger.SetOutput(out)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Component возвращает entry с полем component.
func Component(name string) *logrus.Entry {
	return Logger.WithField("component", name)
}
