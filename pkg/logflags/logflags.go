package logflags

import (
	"errors"
	"io/ioutil"
	"log"
	"strings"

	"github.com/sirupsen/logrus"
)

var adapter = false
var gdbWire = false
var diversion = false
var replay = false
var checkpoint = false

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// Adapter returns true if the adapter package should log.
func Adapter() bool {
	return adapter
}

// AdapterLogger returns a logger for the top-level dispatcher and session
// driver.
func AdapterLogger() *logrus.Entry {
	return makeLogger(adapter, logrus.Fields{"layer": "adapter"})
}

// GdbWire returns true if request/reply traffic exchanged with the client
// connection should be logged.
func GdbWire() bool {
	return gdbWire
}

// GdbWireLogger returns a configured logger for the client connection.
func GdbWireLogger() *logrus.Entry {
	return makeLogger(gdbWire, logrus.Fields{"layer": "conn"})
}

// Diversion returns true if the diversion controller should log session
// fork/teardown and refcount transitions.
func Diversion() bool {
	return diversion
}

// DiversionLogger returns a logger for the diversion controller.
func DiversionLogger() *logrus.Entry {
	return makeLogger(diversion, logrus.Fields{"layer": "diversion"})
}

// Replay returns true if the session driver should log timeline advancement.
func Replay() bool {
	return replay
}

// ReplayLogger returns a logger for the session driver.
func ReplayLogger() *logrus.Entry {
	return makeLogger(replay, logrus.Fields{"layer": "driver"})
}

// Checkpoint returns true if checkpoint table mutations should be logged.
func Checkpoint() bool {
	return checkpoint
}

// CheckpointLogger returns a logger for the magic channel and checkpoint
// table.
func CheckpointLogger() *logrus.Entry {
	return makeLogger(checkpoint, logrus.Fields{"layer": "checkpoint"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logging flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		adapter, gdbWire, diversion, replay, checkpoint = false, false, false, false, false
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "adapter"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "adapter":
			adapter = true
		case "gdbwire":
			gdbWire = true
		case "diversion":
			diversion = true
		case "replay":
			replay = true
		case "checkpoint":
			checkpoint = true
		}
	}
	return nil
}
