package mail

import (
	"context"

	logx "lunchd/pkg/logx"
)

// LogSender only logs what would have been sent.
type LogSender struct {
	log  logx.Logger
	from Address
}

func NewLog(log logx.Logger, from Address) *LogSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSender{log: log, from: from}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.log.Info("mail (dry run)",
		logx.String("from", s.from.String()),
		logx.String("to", msg.To),
		logx.String("subject", msg.Subject),
		logx.Int("html_bytes", len(msg.HTML)),
	)
	return nil
}
