package beaconclient

import (
	"context"
	"fmt"
	"time"

	"github.com/esrf-bcu/beacon/internal/wire"
)

// File is one entry of a GetConfigDBTree listing.
type File struct {
	Path    string
	Content []byte
}

// GetFile returns the raw bytes of path (connection.py get_config_file,
// default timeout 1s).
func (c *Client) GetFile(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := withDefault(ctx, DefaultGetFileTimeout)
	defer cancel()

	key := c.nextMsgKey()
	ch := c.register(key)
	defer c.unregister(key)

	payload := wire.JoinFields(key, path)
	if err := c.currentConn().WriteFrame(wire.Frame{Type: wire.GetFile, Payload: []byte(payload)}); err != nil {
		return nil, err
	}

	select {
	case ev := <-ch:
		if ev.err != nil {
			return nil, ev.err
		}
		return ev.value, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("beaconclient: get file %q: %w", path, ctx.Err())
	}
}

// GetConfigDBTree streams every file under basePath and reassembles it
// into a slice (connection.py get_config_db_tree, default timeout 1s).
// The original returns parsed JSON; this client returns raw path/content
// pairs and leaves interpretation to the caller, since the wire protocol
// here carries DB_FILE frames directly rather than a JSON blob.
func (c *Client) GetConfigDBTree(ctx context.Context, basePath string) ([]File, error) {
	ctx, cancel := withDefault(ctx, DefaultGetTreeTimeout)
	defer cancel()

	key := c.nextMsgKey()
	ch := c.register(key)
	defer c.unregister(key)

	payload := wire.JoinFields(key, basePath)
	if err := c.currentConn().WriteFrame(wire.Frame{Type: wire.GetDBTree, Payload: []byte(payload)}); err != nil {
		return nil, err
	}

	var files []File
	for {
		select {
		case ev := <-ch:
			if ev.err != nil {
				return nil, ev.err
			}
			if ev.done {
				return files, nil
			}
			files = append(files, File{Path: ev.path, Content: ev.value})
		case <-ctx.Done():
			return nil, fmt.Errorf("beaconclient: get tree %q: %w", basePath, ctx.Err())
		}
	}
}

// GetPythonModules lists the opaque script files under basePath
// (connection.py get_python_modules, default timeout 3s). It is a thin
// wrapper over GetConfigDBTree: this protocol has no dedicated wire op for
// module discovery, and the server already indexes scripts/ the same way
// it indexes every other file (internal/configstore.Store.ListModules).
func (c *Client) GetPythonModules(ctx context.Context, basePath string) ([]File, error) {
	ctx, cancel := withDefault(ctx, DefaultModulesTimeout)
	defer cancel()
	return c.GetConfigDBTree(ctx, basePath)
}

// SetFile atomically writes content to path (connection.py
// set_config_db_file, default timeout 3s).
func (c *Client) SetFile(ctx context.Context, path string, content []byte) error {
	ctx, cancel := withDefault(ctx, DefaultSetFileTimeout)
	defer cancel()

	key := c.nextMsgKey()
	ch := c.register(key)
	defer c.unregister(key)

	payload := wire.JoinFields(key, path, string(content))
	if err := c.currentConn().WriteFrame(wire.Frame{Type: wire.SetFile, Payload: []byte(payload)}); err != nil {
		return err
	}

	select {
	case ev := <-ch:
		return ev.err
	case <-ctx.Done():
		return fmt.Errorf("beaconclient: set file %q: %w", path, ctx.Err())
	}
}

// RemoveFile deletes path and re-indexes (connection.py
// remove_config_file, default timeout 1s).
func (c *Client) RemoveFile(ctx context.Context, path string) error {
	ctx, cancel := withDefault(ctx, DefaultRemoveTimeout)
	defer cancel()

	key := c.nextMsgKey()
	ch := c.register(key)
	defer c.unregister(key)

	payload := wire.JoinFields(key, path)
	if err := c.currentConn().WriteFrame(wire.Frame{Type: wire.RemoveFile, Payload: []byte(payload)}); err != nil {
		return err
	}

	select {
	case ev := <-ch:
		return ev.err
	case <-ctx.Done():
		return fmt.Errorf("beaconclient: remove file %q: %w", path, ctx.Err())
	}
}

// MovePath renames src to dst and re-indexes (connection.py
// move_config_path, default timeout 1s).
func (c *Client) MovePath(ctx context.Context, src, dst string) error {
	ctx, cancel := withDefault(ctx, DefaultMoveTimeout)
	defer cancel()

	key := c.nextMsgKey()
	ch := c.register(key)
	defer c.unregister(key)

	payload := wire.JoinFields(key, src, dst)
	if err := c.currentConn().WriteFrame(wire.Frame{Type: wire.MovePath, Payload: []byte(payload)}); err != nil {
		return err
	}

	select {
	case ev := <-ch:
		return ev.err
	case <-ctx.Done():
		return fmt.Errorf("beaconclient: move path %q -> %q: %w", src, dst, ctx.Err())
	}
}

// withDefault returns a child context bounded by fallback unless ctx
// already carries an earlier deadline.
func withDefault(ctx context.Context, fallback time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, fallback)
}
