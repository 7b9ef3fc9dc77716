package logging

import (
	"os"
	"path/filepath"
	"time"

	rotatelogs "github.com/lestrrat/go-file-rotatelogs"
	"github.com/pkg/errors"
	"github.com/rifflock/lfshook"
	log "github.com/sirupsen/logrus"
)

const (
	logFileName  = "imagecache.log"
	logMaxAge    = 14 * 24 * time.Hour
	logRotation  = 24 * time.Hour
	timestampFmt = "2006-01-02 15:04:05.000 Z07:00"
	defaultLevel = "info"
)

type utcFormatter struct {
	log.Formatter
}

func (f utcFormatter) Format(entry *log.Entry) ([]byte, error) {
	entry.Time = entry.Time.UTC()
	return f.Formatter.Format(entry)
}

// Config represents a logging config
type Config struct {
	// Level is a logrus level name, info when empty
	Level string
	// JSON switches to json formatted lines
	JSON bool
	// Dir is a directory log files get written to in addition to stdout,
	// file logging is disabled when empty or "-"
	Dir string
}

// Setup configures the standard logger
func Setup(c *Config) error {
	level := c.Level
	if level == "" {
		level = defaultLevel
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return errors.Wrap(err, "invalid log level")
	}
	log.SetLevel(lvl)

	formatter := utcFormatter{newFormatter(c.JSON)}
	log.SetFormatter(formatter)
	log.SetOutput(os.Stdout)

	if c.Dir == "" || c.Dir == "-" {
		return nil
	}
	err = os.MkdirAll(c.Dir, 0755)
	if err != nil {
		return errors.Wrap(err, "failed to create log dir")
	}

	logFile := filepath.Join(c.Dir, logFileName)
	writer, err := rotatelogs.New(
		logFile+".%Y%m%d%H%M",
		rotatelogs.WithLinkName(logFile),
		rotatelogs.WithMaxAge(logMaxAge),
		rotatelogs.WithRotationTime(logRotation),
	)
	if err != nil {
		return errors.Wrap(err, "failed to open log file")
	}

	log.AddHook(lfshook.NewHook(lfshook.WriterMap{
		log.DebugLevel: writer,
		log.InfoLevel:  writer,
		log.WarnLevel:  writer,
		log.ErrorLevel: writer,
		log.FatalLevel: writer,
		log.PanicLevel: writer,
	}, formatter))

	return nil
}

func newFormatter(json bool) log.Formatter {
	if json {
		return &log.JSONFormatter{
			TimestampFormat: timestampFmt,
		}
	}
	return &log.TextFormatter{
		TimestampFormat:  timestampFmt,
		FullTimestamp:    true,
		QuoteEmptyFields: true,
	}
}
