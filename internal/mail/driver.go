package mail

import (
	"context"
	"fmt"
	"strings"

	logx "lunchd/pkg/logx"
)

const (
	DriverSMTP = "smtp"
	DriverSES  = "ses"
	DriverLog  = "log"
)

// NewSender builds the Sender selected by cfg.Driver.
func NewSender(ctx context.Context, cfg Config, log logx.Logger) (Sender, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverSMTP, "":
		return NewSMTP(cfg.SMTP, cfg.Address())
	case DriverSES:
		return NewSES(ctx, cfg.SES, cfg.Address())
	case DriverLog:
		return NewLog(log, cfg.Address()), nil
	default:
		return nil, fmt.Errorf("unknown mail driver %q (want smtp, ses or log)", cfg.Driver)
	}
}
