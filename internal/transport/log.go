package transport

import (
	"context"

	"github.com/modfin/sendq"
	"github.com/modfin/sendq/tools"
	"github.com/sirupsen/logrus"
)

// Log accepts everything and only logs it, for development.
type Log struct {
	log *logrus.Logger
}

func NewLog(lc *tools.Logger) *Log {
	return &Log{log: lc.New("transport-log")}
}

func (l *Log) SendBatch(_ context.Context, recipients []sendq.Recipient, email sendq.EmailData) error {
	l.log.WithField("subject", email.Subject).Infof("sending %d emails from %s", len(recipients), from(email))
	for _, r := range recipients {
		l.log.Debugf("to %s", r.String())
	}
	return nil
}
