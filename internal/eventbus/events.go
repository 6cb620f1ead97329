package eventbus

// Event types published by reportbot components.
const (
	RegistryRegistered = "registry.registered"
	RegistryCancelled  = "registry.cancelled"
	RegistryFired      = "registry.fired"
	RegistrySkipped    = "registry.skipped"
	RegistryDropped    = "registry.dropped"

	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	TaskDropped  = "task.dropped"
	TaskSkipped  = "task.skipped"

	HistoryPending   = "history.pending"
	HistoryFinalized = "history.finalized"

	HousekeepingDone = "housekeeping.done"
	ConfigReloaded   = "config.reloaded"
)
