package supervisor

import (
	"io"

	"github.com/sirupsen/logrus"
)

// NewEngineLogger builds the logger that carries raw engine process output.
// Engine lines are high volume and unstructured, so they get their own
// logger, leveled and formatted apart from the gateway's log stream.
func NewEngineLogger(w io.Writer, level string) *logrus.Logger {
	lg := logrus.New()
	lg.SetOutput(w)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	lg.SetLevel(lvl)
	lg.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return lg
}
