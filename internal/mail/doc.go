// Package mail delivers notification e-mails.
//
// # Senders
//
// A Sender transmits one Message. Three drivers exist:
//   - smtp: any SMTP relay, STARTTLS or implicit TLS
//   - ses: Amazon SES through aws-sdk-go-v2
//   - log: writes a summary to the logger and sends nothing (dry runs)
//
// # Mailer
//
// Mailer wraps a Sender with a token-bucket rate limit, a bounded per-send
// timeout and retries with jittered exponential backoff. Sends are
// synchronous so callers can account for each recipient. A small in-memory
// history of recent deliveries is kept for status output.
package mail
