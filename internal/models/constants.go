package models

const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

const (
	NetworkWifi     = "wifi"
	NetworkEthernet = "ethernet"
	Network5G       = "5g"
	Network4G       = "4g"
	Network3G       = "3g"
	Network2G       = "2g"
	NetworkCellular = "cellular"
	NetworkUnknown  = "unknown"
	NetworkNone     = "none"
)

const (
	// DefaultMaxCompleted is how many done tasks, and separately how many error
	// tasks, the queue keeps after pruning.
	DefaultMaxCompleted = 100

	// DefaultRetryLimit is the number of failed attempts before a task moves to error.
	DefaultRetryLimit = 3

	// DefaultMaxConcurrent is the default strategy's concurrency ceiling.
	DefaultMaxConcurrent = 3

	// DefaultQueueKey is the persistence key holding the serialized queue.
	DefaultQueueKey = "sync_queue"
)
