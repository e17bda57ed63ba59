package logger

import "github.com/sirupsen/logrus"

// NullLogger discards everything. It is the default when a component is
// constructed without a logger.
type NullLogger struct{}

func NewNullLogger() Logger {
	return &NullLogger{}
}

func (n *NullLogger) WithFields(map[string]interface{}) Logger { return n }
func (n *NullLogger) WithField(string, interface{}) Logger     { return n }
func (n *NullLogger) WithError(error) Logger                   { return n }

func (n *NullLogger) Debug(...interface{})             {}
func (n *NullLogger) Info(...interface{})              {}
func (n *NullLogger) Warn(...interface{})              {}
func (n *NullLogger) Error(...interface{})             {}
func (n *NullLogger) Log(logrus.Level, ...interface{}) {}
