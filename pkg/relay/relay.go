package relay

import (
	"github.com/relayworks/go-relay-service/internal/pipeline"
)

// ServiceDependencies holds all the external services the relay service
// needs to operate. This struct is used for dependency injection.
type ServiceDependencies struct {
	// --- Ingestion ---
	Ingestor       Ingestor
	IngestConsumer pipeline.Consumer

	// --- Storage ---
	Queue       RecipientQueue
	Credentials CredentialDirectory

	// --- Push ---
	// PushSender may be nil when the push subsystem is unconfigured; the
	// dispatcher then runs in degraded no-op mode.
	PushSender PushSender
}
