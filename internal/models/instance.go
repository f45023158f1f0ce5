package models

import "time"

// InstanceRecord ties a provisioned container to the owner that requested it.
// A record exists only after readiness has been confirmed, so Credential is
// never empty. Shared between the server and storage layers.
type InstanceRecord struct {
	Owner      string    `json:"owner"`
	Instance   string    `json:"instance"`
	Credential string    `json:"credential"`
	Variant    string    `json:"variant,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// VariantSpec describes one deployable OS variant: the base image and the
// bootstrap that installs and runs the session-sharing tool in the foreground.
type VariantSpec struct {
	Tag       string
	Image     string
	Bootstrap string
}

// ResourceLimits is process-wide configuration applied identically to every
// created container.
type ResourceLimits struct {
	MemoryBytes int64
	NanoCPUs    int64
	StorageSize string
}
