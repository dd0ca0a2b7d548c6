package api

import (
	"fmt"
	"strconv"
	"strings"
)

// ParsePortSpec parses a "hostPort:containerPort[/protocol]" spec.
// The protocol defaults to tcp.
func ParsePortSpec(spec string) (PortMapping, error) {
	proto := "tcp"
	portPart := spec
	if idx := strings.IndexByte(spec, '/'); idx >= 0 {
		portPart = spec[:idx]
		proto = strings.ToLower(spec[idx+1:])
	}
	if proto != "tcp" && proto != "udp" {
		return PortMapping{}, &InvalidConfigError{Message: fmt.Sprintf("unsupported protocol %q in port spec %q", proto, spec)}
	}

	host, ctr, ok := strings.Cut(portPart, ":")
	if !ok {
		return PortMapping{}, &InvalidConfigError{Message: fmt.Sprintf("port spec %q must be hostPort:containerPort", spec)}
	}
	hostPort, err := parsePort(host)
	if err != nil {
		return PortMapping{}, &InvalidConfigError{Message: fmt.Sprintf("bad host port in %q: %v", spec, err)}
	}
	ctrPort, err := parsePort(ctr)
	if err != nil {
		return PortMapping{}, &InvalidConfigError{Message: fmt.Sprintf("bad container port in %q: %v", spec, err)}
	}

	return PortMapping{ContainerPort: ctrPort, HostPort: hostPort, Protocol: proto}, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%q is not a port number", s)
	}
	if n == 0 {
		return 0, fmt.Errorf("port must be non-zero")
	}
	return uint16(n), nil
}

// ParseVolumeSpec parses a "hostPath:containerPath[:ro]" spec.
func ParseVolumeSpec(spec string) (VolumeMount, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return VolumeMount{}, &InvalidConfigError{Message: fmt.Sprintf("volume spec %q must be hostPath:containerPath[:ro]", spec)}
	}
	m := VolumeMount{HostPath: parts[0], ContainerPath: parts[1]}
	if m.HostPath == "" || m.ContainerPath == "" {
		return VolumeMount{}, &InvalidConfigError{Message: fmt.Sprintf("volume spec %q has an empty path", spec)}
	}
	if !strings.HasPrefix(m.ContainerPath, "/") {
		return VolumeMount{}, &InvalidConfigError{Message: fmt.Sprintf("container path in %q must be absolute", spec)}
	}
	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			m.ReadOnly = true
		case "rw":
		default:
			return VolumeMount{}, &InvalidConfigError{Message: fmt.Sprintf("unknown volume option %q in %q", parts[2], spec)}
		}
	}
	return m, nil
}

// Validate checks a container config for internal consistency: well-formed
// port and volume declarations, and no duplicate container ports within
// the same config.
func (c *ContainerConfig) Validate() error {
	if c.Image == "" {
		return &InvalidConfigError{Message: "image reference is required"}
	}

	seenCtr := make(map[string]bool, len(c.Ports))
	seenHost := make(map[string]bool, len(c.Ports))
	for _, p := range c.Ports {
		if p.Protocol != "tcp" && p.Protocol != "udp" {
			return &InvalidConfigError{Message: fmt.Sprintf("unsupported protocol %q", p.Protocol)}
		}
		if p.ContainerPort == 0 || p.HostPort == 0 {
			return &InvalidConfigError{Message: "port mappings must use non-zero ports"}
		}
		ctrKey := fmt.Sprintf("%d/%s", p.ContainerPort, p.Protocol)
		if seenCtr[ctrKey] {
			return &InvalidConfigError{Message: fmt.Sprintf("duplicate mapping for container port %s", ctrKey)}
		}
		seenCtr[ctrKey] = true
		hostKey := fmt.Sprintf("%d/%s", p.HostPort, p.Protocol)
		if seenHost[hostKey] {
			return &InvalidConfigError{Message: fmt.Sprintf("host port %s declared twice", hostKey)}
		}
		seenHost[hostKey] = true
	}

	for _, v := range c.Volumes {
		if v.HostPath == "" || v.ContainerPath == "" {
			return &InvalidConfigError{Message: "volume mounts must declare both a host and a container path"}
		}
		if !strings.HasPrefix(v.ContainerPath, "/") {
			return &InvalidConfigError{Message: fmt.Sprintf("volume container path %q must be absolute", v.ContainerPath)}
		}
	}

	return nil
}
