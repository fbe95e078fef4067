package logging

import (
	"github.com/PelionIoT/wigwag-go-logger/logging"
	goLogging "github.com/op/go-logging"
)

// Log is shared by every package in the module. Output at WARNING and
// above goes to stderr, everything else to stdout.
var Log *goLogging.Logger = logging.Log

func LogLevelIsValid(ll string) bool {
	return logging.LogLevelIsValid(ll)
}

func SetLoggingLevel(ll string) {
	logging.SetLoggingLevel(ll)
}
