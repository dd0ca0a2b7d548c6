package layerfs

import "io/fs"

// baseRootfs synthesizes the Alpine-like skeleton every container view
// starts from. It sits below all image layers, so images that ship their
// own /etc files win.
func baseRootfs(hostname string) *Layer {
	if hostname == "" {
		hostname = "localhost"
	}

	entries := map[string]*Entry{}
	for _, d := range []string{
		"bin", "sbin",
		"usr/bin", "usr/sbin", "usr/local/bin",
		"etc",
		"tmp", "var/tmp", "var/log", "var/cache", "var/lib", "var/run",
		"dev",
		"home", "root",
		"proc", "sys",
		"opt", "mnt", "run", "srv",
	} {
		entries[d] = &Entry{Mode: fs.ModeDir | 0o755}
	}

	file := func(p, content string, perm fs.FileMode) {
		entries[p] = &Entry{Data: []byte(content), Mode: perm}
	}

	file("etc/passwd",
		"root:x:0:0:root:/root:/bin/sh\nnobody:x:65534:65534:nobody:/:/sbin/nologin\n", 0o644)
	file("etc/group", "root:x:0:\nnobody:x:65534:\n", 0o644)
	file("etc/hostname", hostname+"\n", 0o644)
	file("etc/hosts",
		"127.0.0.1\tlocalhost\n::1\t\tlocalhost\n127.0.1.1\t"+hostname+"\n", 0o644)
	file("etc/resolv.conf", "nameserver 8.8.8.8\nnameserver 8.8.4.4\n", 0o644)

	// Synthetic /proc entries; there is no kernel behind this filesystem.
	file("proc/cpuinfo",
		"processor\t: 0\nvendor_id\t: WASM\nmodel name\t: WASM Container Runtime\n", 0o444)
	file("proc/meminfo", "MemTotal:        8388608 kB\nMemFree:         4194304 kB\n", 0o444)

	// /dev/null as an empty regular file; enough for tools that open it.
	file("dev/null", "", 0o666)

	return NewLayer(entries)
}
