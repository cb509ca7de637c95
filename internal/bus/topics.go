package bus

const (
	TopicConnStatus     = "conn.status"
	TopicDeviceFound    = "device.found"
	TopicSignalDegraded = "signal.degraded"
	TopicTransfer       = "transfer.progress"
	TopicDiagnostics    = "diagnostics"
	TopicError          = "error"
)
