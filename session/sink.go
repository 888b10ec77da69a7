package session

import "github.com/sirupsen/logrus"

// Sink accepts completed files.
type Sink interface {
	Deliver(data []byte, name, contentType string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(data []byte, name, contentType string) error

func (f SinkFunc) Deliver(data []byte, name, contentType string) error {
	return f(data, name, contentType)
}

type discardSink struct {
	log logrus.FieldLogger
}

func (d discardSink) Deliver(data []byte, name, _ string) error {
	d.log.WithFields(logrus.Fields{"name": name, "size": len(data)}).Warn("No sink configured, discarding file")
	return nil
}
