package dispatch

import (
	"fmt"

	"filemon/internal/config"
	"filemon/internal/filemon"
)

// NewDispatcherFromConfig creates a Dispatcher based on the dispatch config type.
func NewDispatcherFromConfig(cfg config.DispatchConfig, logger filemon.Logger) (filemon.Dispatcher, error) {
	switch cfg.Type {
	case "", "log":
		return NewLogDispatcher(logger), nil
	case "smtp":
		if cfg.SMTPHost == "" {
			return nil, fmt.Errorf("smtp dispatcher requires smtp_host to be set")
		}
		if cfg.From == "" {
			return nil, fmt.Errorf("smtp dispatcher requires from to be set")
		}
		port := cfg.SMTPPort
		if port == 0 {
			port = 25
		}
		return NewSMTPDispatcher(cfg.SMTPHost, port, cfg.SMTPUsername, cfg.SMTPPassword, cfg.From), nil
	case "amqp":
		if cfg.AMQPURL == "" {
			return nil, fmt.Errorf("amqp dispatcher requires amqp_url to be set")
		}
		d, err := NewAMQPDispatcher(cfg.AMQPURL, cfg.AMQPQueue)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown dispatch type: %s", cfg.Type)
	}
}
