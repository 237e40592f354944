package audit

import "log/slog"

// SlogAlerter routes alerts to structured logging. Deployments with a
// paging integration replace this with their own port.Alerter.
type SlogAlerter struct {
	log *slog.Logger
}

func NewSlogAlerter(log *slog.Logger) *SlogAlerter {
	if log == nil {
		log = slog.Default()
	}
	return &SlogAlerter{log: log}
}

func (a *SlogAlerter) Alert(component, message string, err error) {
	a.log.Error("alert raised", "alert_component", component, "message", message, "error", err)
}
