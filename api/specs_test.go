package api

import "testing"

func TestParsePortSpec(t *testing.T) {
	pm, err := ParsePortSpec("8080:80")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if pm.HostPort != 8080 || pm.ContainerPort != 80 || pm.Protocol != "tcp" {
		t.Fatalf("unexpected mapping: %+v", pm)
	}

	pm, err = ParsePortSpec("53:53/udp")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if pm.Protocol != "udp" {
		t.Fatalf("expected udp, got %s", pm.Protocol)
	}
}

func TestParsePortSpecRejectsMalformed(t *testing.T) {
	for _, spec := range []string{"", "80", "abc:80", "80:abc", "0:80", "80:0", "80:80/icmp", "70000:80"} {
		if _, err := ParsePortSpec(spec); err == nil {
			t.Fatalf("expected error for %q", spec)
		}
	}
}

func TestParseVolumeSpec(t *testing.T) {
	m, err := ParseVolumeSpec("/data:/var/data")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if m.HostPath != "/data" || m.ContainerPath != "/var/data" || m.ReadOnly {
		t.Fatalf("unexpected mount: %+v", m)
	}

	m, err = ParseVolumeSpec("/data:/var/data:ro")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !m.ReadOnly {
		t.Fatal("expected read-only mount")
	}

	for _, spec := range []string{"", "/data", ":/var/data", "/data:", "/data:relative", "/data:/var/data:bogus"} {
		if _, err := ParseVolumeSpec(spec); err == nil {
			t.Fatalf("expected error for %q", spec)
		}
	}
}

func TestValidateRejectsDuplicatePorts(t *testing.T) {
	cfg := ContainerConfig{
		Image: "web:latest",
		Ports: []PortMapping{
			{ContainerPort: 80, HostPort: 8080, Protocol: "tcp"},
			{ContainerPort: 80, HostPort: 8081, Protocol: "tcp"},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected duplicate container port to be rejected")
	}

	cfg.Ports = []PortMapping{
		{ContainerPort: 80, HostPort: 8080, Protocol: "tcp"},
		{ContainerPort: 81, HostPort: 8080, Protocol: "tcp"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected duplicate host port to be rejected")
	}

	// Same port number on different protocols is fine.
	cfg.Ports = []PortMapping{
		{ContainerPort: 53, HostPort: 53, Protocol: "tcp"},
		{ContainerPort: 53, HostPort: 53, Protocol: "udp"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("tcp and udp on the same port should validate: %v", err)
	}
}

func TestValidateRequiresImage(t *testing.T) {
	cfg := ContainerConfig{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing image to be rejected")
	}
}

func TestErrorStatusCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&InvalidConfigError{Message: "x"}, 400},
		{&NotFoundError{Resource: "container", ID: "abc"}, 404},
		{&PortConflictError{HostPort: 80, Protocol: "tcp", HeldBy: "c1"}, 409},
		{&InvalidStateTransitionError{ID: "c1", From: StateRunning, Op: "start"}, 409},
		{&ContainerRunningError{ID: "c1"}, 409},
	}
	for _, tc := range cases {
		sc, ok := tc.err.(StatusCoder)
		if !ok {
			t.Fatalf("%T does not implement StatusCoder", tc.err)
		}
		if sc.StatusCode() != tc.want {
			t.Fatalf("%T: status %d, want %d", tc.err, sc.StatusCode(), tc.want)
		}
	}
}
