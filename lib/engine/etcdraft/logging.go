package etcdraft

import (
	"fmt"
	"os"

	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("engine")

// raftLogger adapts the module's logger to the etcd raft Logger interface
type raftLogger struct {
	l logger.ILogger
}

func (r raftLogger) Debug(v ...interface{}) {
	r.l.Debugf("%s", fmt.Sprint(v...))
}

func (r raftLogger) Debugf(format string, v ...interface{}) {
	r.l.Debugf(format, v...)
}

func (r raftLogger) Info(v ...interface{}) {
	r.l.Infof("%s", fmt.Sprint(v...))
}

func (r raftLogger) Infof(format string, v ...interface{}) {
	r.l.Infof(format, v...)
}

func (r raftLogger) Warning(v ...interface{}) {
	r.l.Warningf("%s", fmt.Sprint(v...))
}

func (r raftLogger) Warningf(format string, v ...interface{}) {
	r.l.Warningf(format, v...)
}

func (r raftLogger) Error(v ...interface{}) {
	r.l.Errorf("%s", fmt.Sprint(v...))
}

func (r raftLogger) Errorf(format string, v ...interface{}) {
	r.l.Errorf(format, v...)
}

func (r raftLogger) Fatal(v ...interface{}) {
	r.l.Errorf("%s", fmt.Sprint(v...))
	os.Exit(1)
}

func (r raftLogger) Fatalf(format string, v ...interface{}) {
	r.l.Errorf(format, v...)
	os.Exit(1)
}

func (r raftLogger) Panic(v ...interface{}) {
	panic(fmt.Sprint(v...))
}

func (r raftLogger) Panicf(format string, v ...interface{}) {
	panic(fmt.Sprintf(format, v...))
}
