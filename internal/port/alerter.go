package port

// Alerter is the secondary channel for compliance-relevant failures that
// must not fail the primary request path, such as a dropped audit write.
type Alerter interface {
	Alert(component, message string, err error)
}
