package logconfig

import (
	myLogger "github.com/sirupsen/logrus"
)

func terminalFormatter() *myLogger.TextFormatter {
	return &myLogger.TextFormatter{
		ForceColors:            true,
		DisableTimestamp:       true,
		DisableLevelTruncation: true,
		PadLevelText:           true,
	}
}

// ConfigDebugLogger enables caller reporting and debug output. Meant for
// development runs with a terminal attached.
func ConfigDebugLogger() {
	myLogger.SetReportCaller(true)
	myLogger.SetLevel(myLogger.DebugLevel)
	myLogger.SetFormatter(terminalFormatter())
}

// ConfigInfoLogger is the terminal preset without caller reporting.
func ConfigInfoLogger() {
	myLogger.SetReportCaller(false)
	myLogger.SetLevel(myLogger.InfoLevel)
	myLogger.SetFormatter(terminalFormatter())
}

// ConfigProductionLogger keeps the default timestamped formatter so log
// collectors can parse the output.
func ConfigProductionLogger() {
	myLogger.SetReportCaller(false)
	myLogger.SetLevel(myLogger.InfoLevel)
}

// SetFilter adjusts the global log level at runtime. It backs the
// set_logger_filter admin operation.
func SetFilter(level string) error {
	parsed, err := myLogger.ParseLevel(level)
	if err != nil {
		return err
	}
	myLogger.SetLevel(parsed)
	return nil
}
