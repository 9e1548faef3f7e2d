package cluster

import (
	golog "log"
	"regexp"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// newMemberlistLogger bridges memberlist's stdlib logger into leveled
// go-kit records.
func newMemberlistLogger(l log.Logger) *golog.Logger {
	w := memberlistLogWriter{logger: log.With(l, "subsystem", "memberlist")}
	return golog.New(w, "", golog.Lshortfile)
}

// memberlistLogWriter parses lines like "file.go:12: [WARN] memberlist: ..."
// into caller, level and message.
type memberlistLogWriter struct {
	logger log.Logger
}

func (w memberlistLogWriter) Write(p []byte) (int, error) {
	parts := parseMemberlistLine(p)
	keyvals := []interface{}{}
	if file := parts["file"]; file != "" {
		keyvals = append(keyvals, "caller", file)
	}
	if msg, ok := parts["msg"]; ok {
		keyvals = append(keyvals, "msg", msg)
	} else {
		keyvals = append(keyvals, "msg", string(p))
	}

	var err error
	switch parts["level"] {
	case "DEBUG":
		err = level.Debug(w.logger).Log(keyvals...)
	case "WARN":
		err = level.Warn(w.logger).Log(keyvals...)
	case "ERR", "ERROR":
		err = level.Error(w.logger).Log(keyvals...)
	default:
		err = level.Info(w.logger).Log(keyvals...)
	}
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

var memberlistLine = regexp.MustCompile(`^(?P<file>.+?:[0-9]+)?:?( \[(?P<level>[A-Z]+?)\])? (?P<msg>.*?)\n?$`)

func parseMemberlistLine(line []byte) map[string]string {
	m := memberlistLine.FindSubmatch(line)
	if m == nil {
		return map[string]string{}
	}
	out := map[string]string{}
	for i, name := range memberlistLine.SubexpNames() {
		if name != "" {
			out[name] = string(m[i])
		}
	}
	return out
}
