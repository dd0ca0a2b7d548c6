package layerfs

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/codyaverett/wasm-container/api"
)

// Sentinel errors surfaced by View operations, wrapped in *fs.PathError.
var (
	ErrIsDir    = errors.New("is a directory")
	ErrNotDir   = errors.New("not a directory")
	ErrNotEmpty = errors.New("directory not empty")
	ErrReadOnly = errors.New("read-only mount")
	ErrLoop     = errors.New("too many levels of symbolic links")
)

// mountPoint is a resolved volume mount. Paths at or under containerPath
// bypass the layer overlay and are served from the host filesystem.
type mountPoint struct {
	containerPath string // internal form, never ""
	hostPath      string
	readOnly      bool
}

// View is one container's materialized filesystem: an ordered stack of
// shared read-only layers, a private writable layer holding copy-up
// writes and whiteouts, and volume mounts that take priority over both.
//
// Reads resolve top-down: mounts, then the writable layer, then layers
// highest to lowest, then the synthesized base rootfs. Writes always land
// in the writable layer (or the mount's host directory).
type View struct {
	store   *Store
	digests []Digest
	layers  []*Layer // low → high priority
	base    *Layer   // synthesized rootfs skeleton, lowest priority
	mounts  []mountPoint

	mu         sync.RWMutex
	writable   map[string]*Entry
	tombstones map[string]bool
	torn       bool
}

// Materialize builds a container's filesystem view. Layer digests are
// given lowest to highest priority and are acquired from the store for
// the lifetime of the view. Materialize is idempotent in the sense that
// identical inputs always produce an equivalent view.
func Materialize(store *Store, digests []Digest, mounts []api.VolumeMount, hostname string) (*View, error) {
	for _, m := range mounts {
		if !strings.HasPrefix(m.ContainerPath, "/") {
			return nil, &api.InvalidConfigError{Message: "volume container path must be absolute: " + m.ContainerPath}
		}
	}

	layers, err := store.Acquire(digests)
	if err != nil {
		return nil, err
	}

	v := &View{
		store:      store,
		digests:    append([]Digest(nil), digests...),
		layers:     layers,
		base:       baseRootfs(hostname),
		writable:   make(map[string]*Entry),
		tombstones: make(map[string]bool),
	}
	for _, m := range mounts {
		v.mounts = append(v.mounts, mountPoint{
			containerPath: normPath(m.ContainerPath),
			hostPath:      filepath.Clean(m.HostPath),
			readOnly:      m.ReadOnly,
		})
	}
	// Longest prefix first so nested mounts win over their parents.
	sort.Slice(v.mounts, func(i, j int) bool {
		return len(v.mounts[i].containerPath) > len(v.mounts[j].containerPath)
	})
	return v, nil
}

// Teardown releases the writable layer's storage and drops the view's
// layer references. Calling it more than once is a no-op.
func (v *View) Teardown() {
	v.mu.Lock()
	if v.torn {
		v.mu.Unlock()
		return
	}
	v.torn = true
	v.writable = nil
	v.tombstones = nil
	v.mu.Unlock()
	v.store.Release(v.digests)
}

// WritableSize returns the bytes held by the writable layer.
func (v *View) WritableSize() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var n int64
	for _, e := range v.writable {
		n += int64(len(e.Data))
	}
	return n
}

// WritableLen returns the number of entries in the writable layer.
func (v *View) WritableLen() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.writable)
}

// mountFor returns the mount covering p, if any.
func (v *View) mountFor(p string) *mountPoint {
	for i := range v.mounts {
		m := &v.mounts[i]
		if p == m.containerPath || strings.HasPrefix(p, m.containerPath+"/") {
			return m
		}
	}
	return nil
}

// hostJoin maps an internal path under a mount to its host path.
func (m *mountPoint) hostJoin(p string) string {
	rest := strings.TrimPrefix(p, m.containerPath)
	return filepath.Join(m.hostPath, filepath.FromSlash(rest))
}

// lookupRaw finds the overlay entry for a canonical internal path without
// considering mounts: writable first, then whiteouts, then layers highest
// to lowest, then the base rootfs. Callers must hold v.mu.
func (v *View) lookupRaw(p string) (*Entry, bool) {
	if p == "" {
		return &Entry{Mode: fs.ModeDir | 0o755}, true
	}
	if e, ok := v.writable[p]; ok {
		return e, true
	}
	if v.hiddenLocked(p) {
		return nil, false
	}
	for i := len(v.layers) - 1; i >= 0; i-- {
		if e, ok := v.layers[i].get(p); ok {
			return e, true
		}
	}
	return v.base.get(p)
}

// hiddenLocked reports whether p or one of its ancestors is whited out,
// without a writable entry reinstating it.
func (v *View) hiddenLocked(p string) bool {
	for q := p; q != ""; {
		if _, ok := v.writable[q]; ok {
			return false
		}
		if v.tombstones[q] {
			return true
		}
		parent := path.Dir(q)
		if parent == "." {
			break
		}
		q = parent
	}
	return false
}

const maxSymlinkHops = 40

// resolve canonicalizes p against the view: cleans relative components,
// follows overlay symlinks (all components, or all but the last when
// followFinal is false), and rejects any path that would climb above the
// virtual root. Paths under a volume mount stop symlink processing; the
// host filesystem resolves the remainder.
func (v *View) resolve(p string, followFinal bool) (string, error) {
	comps := strings.Split(strings.Trim(path.Clean("/"+p), "/"), "/")
	var stack []string
	hops := 0

	v.mu.RLock()
	defer v.mu.RUnlock()

	for i := 0; i < len(comps); i++ {
		c := comps[i]
		if c == "" || c == "." {
			continue
		}
		if c == ".." {
			if len(stack) == 0 {
				return "", &api.PathEscapesRootError{Path: p}
			}
			stack = stack[:len(stack)-1]
			continue
		}
		stack = append(stack, c)
		cur := strings.Join(stack, "/")
		if v.mountFor(cur) != nil {
			continue
		}
		final := i == len(comps)-1
		e, ok := v.lookupRaw(cur)
		if ok && e.IsSymlink() && (followFinal || !final) {
			hops++
			if hops > maxSymlinkHops {
				return "", &fs.PathError{Op: "resolve", Path: p, Err: ErrLoop}
			}
			rest := append([]string{}, comps[i+1:]...)
			target := e.Link
			if strings.HasPrefix(target, "/") {
				stack = stack[:0]
			} else {
				stack = stack[:len(stack)-1]
			}
			comps = append(strings.Split(strings.Trim(target, "/"), "/"), rest...)
			if strings.HasPrefix(target, "/") && path.Clean(target) == "/" {
				comps = rest
			}
			i = -1
		}
	}
	return strings.Join(stack, "/"), nil
}

// NodeInfo describes a resolved filesystem object.
type NodeInfo struct {
	Name string
	Size int64
	Mode fs.FileMode
	Link string
}

func entryInfo(p string, e *Entry) NodeInfo {
	return NodeInfo{Name: path.Base("/" + p), Size: int64(len(e.Data)), Mode: e.Mode, Link: e.Link}
}

func osInfo(fi os.FileInfo) NodeInfo {
	return NodeInfo{Name: fi.Name(), Size: fi.Size(), Mode: fi.Mode()}
}

// Stat resolves p, following a final symlink.
func (v *View) Stat(p string) (NodeInfo, error) {
	return v.stat(p, true)
}

// Lstat resolves p without following a final symlink.
func (v *View) Lstat(p string) (NodeInfo, error) {
	return v.stat(p, false)
}

func (v *View) stat(p string, follow bool) (NodeInfo, error) {
	cp, err := v.resolve(p, follow)
	if err != nil {
		return NodeInfo{}, err
	}
	if m := v.mountFor(cp); m != nil {
		var fi os.FileInfo
		if follow {
			fi, err = os.Stat(m.hostJoin(cp))
		} else {
			fi, err = os.Lstat(m.hostJoin(cp))
		}
		if err != nil {
			return NodeInfo{}, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
		}
		return osInfo(fi), nil
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.lookupRaw(cp)
	if !ok {
		return NodeInfo{}, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
	}
	return entryInfo(cp, e), nil
}

// ReadFile returns the content of the highest-priority entry defining p.
func (v *View) ReadFile(p string) ([]byte, error) {
	cp, err := v.resolve(p, true)
	if err != nil {
		return nil, err
	}
	if m := v.mountFor(cp); m != nil {
		data, err := os.ReadFile(m.hostJoin(cp))
		if err != nil {
			return nil, &fs.PathError{Op: "read", Path: p, Err: fs.ErrNotExist}
		}
		return data, nil
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.lookupRaw(cp)
	if !ok {
		return nil, &fs.PathError{Op: "read", Path: p, Err: fs.ErrNotExist}
	}
	if e.IsDir() {
		return nil, &fs.PathError{Op: "read", Path: p, Err: ErrIsDir}
	}
	return append([]byte(nil), e.Data...), nil
}

// Readlink returns the target of a symlink.
func (v *View) Readlink(p string) (string, error) {
	cp, err := v.resolve(p, false)
	if err != nil {
		return "", err
	}
	if m := v.mountFor(cp); m != nil {
		target, err := os.Readlink(m.hostJoin(cp))
		if err != nil {
			return "", &fs.PathError{Op: "readlink", Path: p, Err: fs.ErrInvalid}
		}
		return target, nil
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.lookupRaw(cp)
	if !ok {
		return "", &fs.PathError{Op: "readlink", Path: p, Err: fs.ErrNotExist}
	}
	if !e.IsSymlink() {
		return "", &fs.PathError{Op: "readlink", Path: p, Err: fs.ErrInvalid}
	}
	return e.Link, nil
}

// WriteFile writes data to p. Writes are always redirected to the
// writable layer; an entry that exists only in a read-only layer is
// copied up first, so the shared layer is never touched. Writes under a
// volume mount go to the host directory instead.
func (v *View) WriteFile(p string, data []byte, perm fs.FileMode) error {
	cp, err := v.resolve(p, true)
	if err != nil {
		return err
	}
	if cp == "" {
		return &fs.PathError{Op: "write", Path: p, Err: ErrIsDir}
	}
	if m := v.mountFor(cp); m != nil {
		if m.readOnly {
			return &fs.PathError{Op: "write", Path: p, Err: ErrReadOnly}
		}
		host := m.hostJoin(cp)
		if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
			return err
		}
		return os.WriteFile(host, data, perm.Perm())
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.torn {
		return &fs.PathError{Op: "write", Path: p, Err: fs.ErrClosed}
	}
	if e, ok := v.lookupRaw(cp); ok && e.IsDir() {
		return &fs.PathError{Op: "write", Path: p, Err: ErrIsDir}
	}
	v.reinstateParentsLocked(cp)
	v.writable[cp] = &Entry{Data: append([]byte(nil), data...), Mode: perm.Perm()}
	delete(v.tombstones, cp)
	return nil
}

// reinstateParentsLocked creates writable directory entries for cp's
// ancestors so a write below a whited-out directory becomes visible again.
func (v *View) reinstateParentsLocked(cp string) {
	for d := path.Dir(cp); d != "."; d = path.Dir(d) {
		if _, ok := v.writable[d]; ok {
			continue
		}
		if e, ok := v.lookupRaw(d); ok && e.IsDir() && !v.hiddenLocked(d) {
			continue
		}
		v.writable[d] = &Entry{Mode: fs.ModeDir | 0o755}
	}
}

// Mkdir creates a directory in the writable layer.
func (v *View) Mkdir(p string, perm fs.FileMode) error {
	cp, err := v.resolve(p, true)
	if err != nil {
		return err
	}
	if m := v.mountFor(cp); m != nil {
		if m.readOnly {
			return &fs.PathError{Op: "mkdir", Path: p, Err: ErrReadOnly}
		}
		return os.Mkdir(m.hostJoin(cp), perm.Perm())
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.lookupRaw(cp); ok {
		return &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrExist}
	}
	v.reinstateParentsLocked(cp)
	v.writable[cp] = &Entry{Mode: fs.ModeDir | perm.Perm()}
	delete(v.tombstones, cp)
	return nil
}

// Symlink records a symlink in the writable layer.
func (v *View) Symlink(target, link string) error {
	cp, err := v.resolve(link, false)
	if err != nil {
		return err
	}
	if m := v.mountFor(cp); m != nil {
		if m.readOnly {
			return &fs.PathError{Op: "symlink", Path: link, Err: ErrReadOnly}
		}
		return os.Symlink(target, m.hostJoin(cp))
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.lookupRaw(cp); ok {
		return &fs.PathError{Op: "symlink", Path: link, Err: fs.ErrExist}
	}
	v.reinstateParentsLocked(cp)
	v.writable[cp] = &Entry{Mode: fs.ModeSymlink | 0o777, Link: target}
	delete(v.tombstones, cp)
	return nil
}

// Remove deletes p from the view. Entries originating in read-only layers
// are hidden with a whiteout; the layers themselves are never modified.
// Non-empty directories are refused.
func (v *View) Remove(p string) error {
	cp, err := v.resolve(p, false)
	if err != nil {
		return err
	}
	if cp == "" {
		return &fs.PathError{Op: "remove", Path: p, Err: fs.ErrInvalid}
	}
	if m := v.mountFor(cp); m != nil {
		if m.readOnly {
			return &fs.PathError{Op: "remove", Path: p, Err: ErrReadOnly}
		}
		return os.Remove(m.hostJoin(cp))
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.lookupRaw(cp)
	if !ok {
		return &fs.PathError{Op: "remove", Path: p, Err: fs.ErrNotExist}
	}
	if e.IsDir() {
		if len(v.childNamesLocked(cp)) > 0 {
			return &fs.PathError{Op: "remove", Path: p, Err: ErrNotEmpty}
		}
	}
	delete(v.writable, cp)
	v.tombstones[cp] = true
	return nil
}

// Rename moves a file or symlink. Directory renames are not supported by
// the overlay; they fail with ErrIsDir.
func (v *View) Rename(oldp, newp string) error {
	oldcp, err := v.resolve(oldp, false)
	if err != nil {
		return err
	}
	newcp, err := v.resolve(newp, false)
	if err != nil {
		return err
	}
	om, nm := v.mountFor(oldcp), v.mountFor(newcp)
	if om != nil && om == nm {
		if om.readOnly {
			return &fs.PathError{Op: "rename", Path: oldp, Err: ErrReadOnly}
		}
		return os.Rename(om.hostJoin(oldcp), nm.hostJoin(newcp))
	}
	if om != nil || nm != nil {
		return &fs.PathError{Op: "rename", Path: oldp, Err: fs.ErrInvalid}
	}

	v.mu.Lock()
	e, ok := v.lookupRaw(oldcp)
	if !ok {
		v.mu.Unlock()
		return &fs.PathError{Op: "rename", Path: oldp, Err: fs.ErrNotExist}
	}
	if e.IsDir() {
		v.mu.Unlock()
		return &fs.PathError{Op: "rename", Path: oldp, Err: ErrIsDir}
	}
	cp := &Entry{Data: append([]byte(nil), e.Data...), Mode: e.Mode, Link: e.Link}
	v.reinstateParentsLocked(newcp)
	v.writable[newcp] = cp
	delete(v.tombstones, newcp)
	delete(v.writable, oldcp)
	v.tombstones[oldcp] = true
	v.mu.Unlock()
	return nil
}

// childNamesLocked merges child names of directory cp across the writable
// layer, all read-only layers, and the base, minus whiteouts.
func (v *View) childNamesLocked(cp string) []string {
	names := make(map[string]bool)
	v.base.names(cp, names)
	for _, l := range v.layers {
		l.names(cp, names)
	}
	prefix := ""
	if cp != "" {
		prefix = cp + "/"
	}
	for wp := range v.writable {
		if !strings.HasPrefix(wp, prefix) {
			continue
		}
		rest := wp[len(prefix):]
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			rest = rest[:idx]
		}
		if rest != "" {
			names[rest] = true
		}
	}

	out := make([]string, 0, len(names))
	for n := range names {
		child := n
		if cp != "" {
			child = cp + "/" + n
		}
		if _, inWritable := v.writable[child]; !inWritable {
			if v.tombstones[child] || v.hiddenLocked(child) {
				continue
			}
		}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ReadDir lists directory p. Volume mount roots appear in their parent
// directory's listing.
func (v *View) ReadDir(p string) ([]NodeInfo, error) {
	cp, err := v.resolve(p, true)
	if err != nil {
		return nil, err
	}
	if m := v.mountFor(cp); m != nil {
		ents, err := os.ReadDir(m.hostJoin(cp))
		if err != nil {
			return nil, &fs.PathError{Op: "readdir", Path: p, Err: fs.ErrNotExist}
		}
		out := make([]NodeInfo, 0, len(ents))
		for _, de := range ents {
			fi, err := de.Info()
			if err != nil {
				continue
			}
			out = append(out, osInfo(fi))
		}
		return out, nil
	}

	v.mu.RLock()
	e, ok := v.lookupRaw(cp)
	if !ok {
		v.mu.RUnlock()
		return nil, &fs.PathError{Op: "readdir", Path: p, Err: fs.ErrNotExist}
	}
	if !e.IsDir() {
		v.mu.RUnlock()
		return nil, &fs.PathError{Op: "readdir", Path: p, Err: ErrNotDir}
	}
	names := v.childNamesLocked(cp)
	v.mu.RUnlock()

	seen := make(map[string]bool, len(names))
	out := make([]NodeInfo, 0, len(names))
	for _, n := range names {
		child := n
		if cp != "" {
			child = cp + "/" + n
		}
		if info, err := v.Lstat(child); err == nil {
			out = append(out, info)
			seen[n] = true
		}
	}
	// Mount roots directly under cp.
	for i := range v.mounts {
		m := &v.mounts[i]
		parent := path.Dir(m.containerPath)
		if parent == "." {
			parent = ""
		}
		if parent != cp || seen[path.Base(m.containerPath)] {
			continue
		}
		if fi, err := os.Stat(m.hostPath); err == nil {
			info := osInfo(fi)
			info.Name = path.Base(m.containerPath)
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
