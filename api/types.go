// Package api holds the shared data model of the container core: container
// records, port mappings, volume mounts, image manifests, and the error
// taxonomy surfaced to the CLI/API layer.
package api

import "time"

// ContainerState is the lifecycle state of a container.
type ContainerState string

const (
	StateCreated ContainerState = "created"
	StateRunning ContainerState = "running"
	StateStopped ContainerState = "stopped"
	StateRemoved ContainerState = "removed"
)

// PortMapping maps a container port to a host port for one protocol.
type PortMapping struct {
	ContainerPort uint16 `json:"containerPort"`
	HostPort      uint16 `json:"hostPort"`
	Protocol      string `json:"protocol"` // "tcp" or "udp"
}

// VolumeMount binds a host path to a path inside the container's view.
// Paths under ContainerPath bypass the layer overlay entirely.
type VolumeMount struct {
	HostPath      string `json:"hostPath"`
	ContainerPath string `json:"containerPath"`
	ReadOnly      bool   `json:"readOnly"`
}

// ContainerConfig is the user-declared configuration for a container.
type ContainerConfig struct {
	Name       string            `json:"name,omitempty"`
	Image      string            `json:"image"`
	Entrypoint []string          `json:"entrypoint,omitempty"` // overrides manifest entrypoint
	Cmd        []string          `json:"cmd,omitempty"`        // overrides manifest cmd
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"workingDir,omitempty"`
	Hostname   string            `json:"hostname,omitempty"` // defaults to the short container ID
	Ports      []PortMapping     `json:"ports,omitempty"`
	Volumes    []VolumeMount     `json:"volumes,omitempty"`
}

// Manifest is the resolved image manifest consumed from the image resolver.
type Manifest struct {
	Entrypoint []string          `json:"entrypoint"`
	Cmd        []string          `json:"cmd,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"workingDir,omitempty"`
	// ModulePath is the path of the wasm binary inside the image filesystem.
	ModulePath string `json:"modulePath"`
	// ExposedPorts lists container ports the image declares, "80/tcp" style.
	ExposedPorts []string `json:"exposedPorts,omitempty"`
}

// ExitStatus reports how a container's module finished.
type ExitStatus struct {
	Code       int    `json:"code"`
	Trapped    bool   `json:"trapped"`
	TrapReason string `json:"trapReason,omitempty"`
	Killed     bool   `json:"killed"` // forced teardown after the grace period
}

// Container is the full container record owned by the lifecycle controller.
type Container struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Image        string          `json:"image"`
	State        ContainerState  `json:"state"`
	Config       ContainerConfig `json:"config"`
	Created      time.Time       `json:"created"`
	StartedAt    time.Time       `json:"startedAt,omitzero"`
	FinishedAt   time.Time       `json:"finishedAt,omitzero"`
	ExitStatus   *ExitStatus     `json:"exitStatus,omitempty"`
	RestartCount int             `json:"restartCount"`
}

// ContainerSummary is the row returned by list.
type ContainerSummary struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Image string         `json:"image"`
	State ContainerState `json:"state"`
	Ports []PortMapping  `json:"ports,omitempty"`
}

// Event is a lifecycle or network observability event.
type Event struct {
	Type   string            `json:"type"`   // "container" or "network"
	Action string            `json:"action"` // "create", "start", "die", "route-drop", ...
	ID     string            `json:"id"`
	Attrs  map[string]string `json:"attrs,omitempty"`
	Time   time.Time         `json:"time"`
}
