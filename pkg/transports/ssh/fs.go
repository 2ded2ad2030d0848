package ssh

import (
	"io"
	"io/fs"
	"path"
	"sort"
)

// FS returns the remote directory root as an fs.FS. Names are resolved
// relative to root with forward slashes.
func (c *Client) FS(root string) fs.FS {
	return &remoteFS{client: c, root: root}
}

type remoteFS struct {
	client *Client
	root   string
}

var (
	_ fs.ReadDirFS  = (*remoteFS)(nil)
	_ fs.ReadFileFS = (*remoteFS)(nil)
	_ fs.StatFS     = (*remoteFS)(nil)
)

func (r *remoteFS) resolve(op, name string) (string, error) {
	if !fs.ValidPath(name) {
		return "", &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	return path.Join(r.root, name), nil
}

func (r *remoteFS) Open(name string) (fs.File, error) {
	full, err := r.resolve("open", name)
	if err != nil {
		return nil, err
	}
	f, err := r.client.sftp.Open(full)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return f, nil
}

func (r *remoteFS) Stat(name string) (fs.FileInfo, error) {
	full, err := r.resolve("stat", name)
	if err != nil {
		return nil, err
	}
	info, err := r.client.sftp.Stat(full)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: err}
	}
	return info, nil
}

func (r *remoteFS) ReadDir(name string) ([]fs.DirEntry, error) {
	full, err := r.resolve("readdir", name)
	if err != nil {
		return nil, err
	}
	infos, err := r.client.sftp.ReadDir(full)
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: err}
	}
	entries := make([]fs.DirEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, fs.FileInfoToDirEntry(info))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

func (r *remoteFS) ReadFile(name string) ([]byte, error) {
	f, err := r.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, &fs.PathError{Op: "read", Path: name, Err: err}
	}
	return data, nil
}
