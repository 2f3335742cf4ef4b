package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	colorable "github.com/mattn/go-colorable"
	isatty "github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var dpu = false
var link = false
var sim = false
var coredump = false

var logOut io.WriteCloser

// DPU returns true if the execution control layer should log.
func DPU() bool {
	return dpu
}

// DPULogger returns a logger for the execution control layer.
func DPULogger() Logger {
	return makeFlaggableLogger(dpu, Fields{"layer": "dpu"})
}

// Link returns true if the link backend should log every call exchanged
// with the remote driver.
func Link() bool {
	return link
}

// LinkLogger returns a logger for the link backend.
func LinkLogger() Logger {
	return makeFlaggableLogger(link, Fields{"layer": "link"})
}

// Sim returns true if the simulated device should log its execution.
func Sim() bool {
	return sim
}

// SimLogger returns a logger for the simulated device.
func SimLogger() Logger {
	return makeFlaggableLogger(sim, Fields{"layer": "sim"})
}

// Coredump returns true if core dump writing and loading should be logged.
func Coredump() bool {
	return coredump
}

// CoredumpLogger returns a logger for core dumps.
func CoredumpLogger() Logger {
	return makeFlaggableLogger(coredump, Fields{"layer": "coredump"})
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets debugger flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "dpudbg-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "dpu"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "dpu":
			dpu = true
		case "link":
			link = true
		case "sim":
			sim = true
		case "coredump":
			coredump = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'dpudbg help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// output returns the writer logs go to and whether it is a terminal.
func output() (io.Writer, bool) {
	if logOut != nil {
		if f, ok := logOut.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			return colorable.NewColorable(f), true
		}
		return logOut, false
	}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return colorable.NewColorableStderr(), true
	}
	return os.Stderr, false
}
