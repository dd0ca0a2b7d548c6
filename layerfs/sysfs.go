package layerfs

import (
	"errors"
	"hash/fnv"
	"io"
	"io/fs"

	expsys "github.com/tetratelabs/wazero/experimental/sys"
	"github.com/tetratelabs/wazero/sys"

	"github.com/codyaverett/wasm-container/api"
)

// ViewFS adapts a View to wazero's experimental sys.FS so the overlay can
// be mounted as a container's root. Guest reads fall through the layer
// stack; guest writes commit into the writable layer on sync and close,
// reaching the host only for paths under a volume mount.
type ViewFS struct {
	expsys.UnimplementedFS
	view *View
}

// NewViewFS wraps a materialized view for mounting into a wazero module.
func NewViewFS(v *View) *ViewFS {
	return &ViewFS{view: v}
}

func errnoFor(err error) expsys.Errno {
	var esc *api.PathEscapesRootError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &esc):
		return expsys.EPERM
	case errors.Is(err, fs.ErrNotExist):
		return expsys.ENOENT
	case errors.Is(err, fs.ErrExist):
		return expsys.EEXIST
	case errors.Is(err, ErrIsDir):
		return expsys.EISDIR
	case errors.Is(err, ErrNotDir):
		return expsys.ENOTDIR
	case errors.Is(err, ErrNotEmpty):
		return expsys.ENOTEMPTY
	case errors.Is(err, ErrReadOnly):
		return expsys.EROFS
	case errors.Is(err, ErrLoop):
		return expsys.ELOOP
	case errors.Is(err, fs.ErrInvalid):
		return expsys.EINVAL
	case errors.Is(err, fs.ErrClosed):
		return expsys.EBADF
	default:
		return expsys.EIO
	}
}

func statFor(info NodeInfo, p string) sys.Stat_t {
	return sys.Stat_t{
		Ino:   inodeFor(p),
		Mode:  info.Mode,
		Nlink: 1,
		Size:  info.Size,
	}
}

// inodeFor derives a stable inode from the path; the guest only needs
// consistency, not uniqueness across renames.
func inodeFor(p string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(p))
	return h.Sum64()
}

func (v *ViewFS) Stat(path string) (sys.Stat_t, expsys.Errno) {
	info, err := v.view.Stat(path)
	if err != nil {
		return sys.Stat_t{}, errnoFor(err)
	}
	return statFor(info, path), 0
}

func (v *ViewFS) Lstat(path string) (sys.Stat_t, expsys.Errno) {
	info, err := v.view.Lstat(path)
	if err != nil {
		return sys.Stat_t{}, errnoFor(err)
	}
	return statFor(info, path), 0
}

func (v *ViewFS) Mkdir(path string, perm fs.FileMode) expsys.Errno {
	return errnoFor(v.view.Mkdir(path, perm))
}

func (v *ViewFS) Rmdir(path string) expsys.Errno {
	info, err := v.view.Lstat(path)
	if err != nil {
		return errnoFor(err)
	}
	if !info.Mode.IsDir() {
		return expsys.ENOTDIR
	}
	return errnoFor(v.view.Remove(path))
}

func (v *ViewFS) Unlink(path string) expsys.Errno {
	info, err := v.view.Lstat(path)
	if err != nil {
		return errnoFor(err)
	}
	if info.Mode.IsDir() {
		return expsys.EISDIR
	}
	return errnoFor(v.view.Remove(path))
}

func (v *ViewFS) Rename(from, to string) expsys.Errno {
	return errnoFor(v.view.Rename(from, to))
}

func (v *ViewFS) Readlink(path string) (string, expsys.Errno) {
	target, err := v.view.Readlink(path)
	if err != nil {
		return "", errnoFor(err)
	}
	return target, 0
}

func (v *ViewFS) Symlink(oldPath, linkName string) expsys.Errno {
	return errnoFor(v.view.Symlink(oldPath, linkName))
}

func (v *ViewFS) OpenFile(path string, flag expsys.Oflag, perm fs.FileMode) (expsys.File, expsys.Errno) {
	writable := flag&(expsys.O_WRONLY|expsys.O_RDWR) != 0

	info, statErr := v.view.Stat(path)
	switch {
	case statErr == nil:
		if flag&expsys.O_CREAT != 0 && flag&expsys.O_EXCL != 0 {
			return nil, expsys.EEXIST
		}
		if info.Mode.IsDir() {
			if writable {
				return nil, expsys.EISDIR
			}
			return &viewFile{view: v.view, path: path, isDir: true, mode: info.Mode}, 0
		}
	case errors.Is(statErr, fs.ErrNotExist):
		if flag&expsys.O_CREAT == 0 {
			return nil, expsys.ENOENT
		}
		if !writable {
			return nil, expsys.EINVAL
		}
	default:
		return nil, errnoFor(statErr)
	}

	if flag&expsys.O_DIRECTORY != 0 {
		return nil, expsys.ENOTDIR
	}

	f := &viewFile{
		view:     v.view,
		path:     path,
		writable: writable,
		appendTo: flag&expsys.O_APPEND != 0,
		mode:     perm.Perm(),
	}
	if statErr == nil {
		f.mode = info.Mode.Perm()
		if flag&expsys.O_TRUNC == 0 {
			data, err := v.view.ReadFile(path)
			if err != nil {
				return nil, errnoFor(err)
			}
			f.buf = data
		} else {
			f.dirty = true
		}
	} else {
		// Newly created: commit immediately so the entry is visible.
		if err := v.view.WriteFile(path, nil, f.mode); err != nil {
			return nil, errnoFor(err)
		}
	}
	return f, 0
}

// viewFile is an open handle on the overlay. Regular files buffer their
// content; writes commit the whole buffer back through copy-up on sync
// and close. Directory handles serve dirents from a point-in-time listing.
type viewFile struct {
	expsys.UnimplementedFile

	view     *View
	path     string
	mode     fs.FileMode
	buf      []byte
	off      int64
	writable bool
	appendTo bool
	dirty    bool
	closed   bool

	isDir   bool
	dirents []expsys.Dirent
	dirPos  int
}

func (f *viewFile) IsDir() (bool, expsys.Errno) {
	return f.isDir, 0
}

func (f *viewFile) Stat() (sys.Stat_t, expsys.Errno) {
	if f.closed {
		return sys.Stat_t{}, expsys.EBADF
	}
	mode := f.mode
	if f.isDir {
		mode |= fs.ModeDir
	}
	return sys.Stat_t{
		Ino:   inodeFor(f.path),
		Mode:  mode,
		Nlink: 1,
		Size:  int64(len(f.buf)),
	}, 0
}

func (f *viewFile) Read(buf []byte) (int, expsys.Errno) {
	if f.closed {
		return 0, expsys.EBADF
	}
	if f.isDir {
		return 0, expsys.EISDIR
	}
	if f.off >= int64(len(f.buf)) {
		return 0, 0 // EOF
	}
	n := copy(buf, f.buf[f.off:])
	f.off += int64(n)
	return n, 0
}

func (f *viewFile) Pread(buf []byte, off int64) (int, expsys.Errno) {
	if f.closed {
		return 0, expsys.EBADF
	}
	if f.isDir {
		return 0, expsys.EISDIR
	}
	if off < 0 {
		return 0, expsys.EINVAL
	}
	if off >= int64(len(f.buf)) {
		return 0, 0
	}
	return copy(buf, f.buf[off:]), 0
}

func (f *viewFile) Seek(offset int64, whence int) (int64, expsys.Errno) {
	if f.closed {
		return 0, expsys.EBADF
	}
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = f.off + offset
	case io.SeekEnd:
		abs = int64(len(f.buf)) + offset
	default:
		return 0, expsys.EINVAL
	}
	if abs < 0 {
		return 0, expsys.EINVAL
	}
	f.off = abs
	return abs, 0
}

func (f *viewFile) Write(buf []byte) (int, expsys.Errno) {
	if f.closed {
		return 0, expsys.EBADF
	}
	if !f.writable {
		return 0, expsys.EBADF
	}
	if f.appendTo {
		f.off = int64(len(f.buf))
	}
	n := f.writeAt(buf, f.off)
	f.off += int64(n)
	return n, 0
}

func (f *viewFile) Pwrite(buf []byte, off int64) (int, expsys.Errno) {
	if f.closed {
		return 0, expsys.EBADF
	}
	if !f.writable {
		return 0, expsys.EBADF
	}
	if off < 0 {
		return 0, expsys.EINVAL
	}
	return f.writeAt(buf, off), 0
}

func (f *viewFile) writeAt(buf []byte, off int64) int {
	end := off + int64(len(buf))
	if end > int64(len(f.buf)) {
		grown := make([]byte, end)
		copy(grown, f.buf)
		f.buf = grown
	}
	copy(f.buf[off:], buf)
	f.dirty = true
	return len(buf)
}

func (f *viewFile) Truncate(size int64) expsys.Errno {
	if f.closed {
		return expsys.EBADF
	}
	if !f.writable {
		return expsys.EBADF
	}
	if size < 0 {
		return expsys.EINVAL
	}
	if size <= int64(len(f.buf)) {
		f.buf = f.buf[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, f.buf)
		f.buf = grown
	}
	f.dirty = true
	return f.commit()
}

func (f *viewFile) Sync() expsys.Errno {
	return f.commit()
}

func (f *viewFile) Datasync() expsys.Errno {
	return f.commit()
}

func (f *viewFile) commit() expsys.Errno {
	if !f.dirty {
		return 0
	}
	if err := f.view.WriteFile(f.path, f.buf, f.mode); err != nil {
		return errnoFor(err)
	}
	f.dirty = false
	return 0
}

func (f *viewFile) Readdir(n int) ([]expsys.Dirent, expsys.Errno) {
	if f.closed {
		return nil, expsys.EBADF
	}
	if !f.isDir {
		return nil, expsys.ENOTDIR
	}
	if f.dirents == nil {
		infos, err := f.view.ReadDir(f.path)
		if err != nil {
			return nil, errnoFor(err)
		}
		f.dirents = make([]expsys.Dirent, 0, len(infos))
		for _, info := range infos {
			f.dirents = append(f.dirents, expsys.Dirent{
				Ino:  inodeFor(f.path + "/" + info.Name),
				Name: info.Name,
				Type: info.Mode.Type(),
			})
		}
	}
	remaining := f.dirents[f.dirPos:]
	if n <= 0 || n >= len(remaining) {
		f.dirPos = len(f.dirents)
		return remaining, 0
	}
	f.dirPos += n
	return remaining[:n], 0
}

func (f *viewFile) Close() expsys.Errno {
	if f.closed {
		return 0
	}
	errno := f.commit()
	f.closed = true
	return errno
}
