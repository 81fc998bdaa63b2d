package bus

// Request lifecycle topics. Payloads are relay.Request snapshots.
const (
	TopicRequestPrefix   = "request."
	TopicRequestResolved = "request.resolved"
)

// Credential topics.
const (
	// TopicCredentialRotated carries a CredentialRotated payload. Published
	// for explicit rotations and for token changes picked up from disk.
	TopicCredentialRotated = "credential.rotated"
)

// CredentialRotated is published after the shared token changes.
type CredentialRotated struct {
	Generation uint64
	Source     string // "api", "cli" or "file"
}
