/*
Package memfs is an in-memory file server.

# Overview

File contents live in physical frames owned by the file system, one
reference per frame. Environments open files as read-only descriptors on
the 'f' device. Read copies bytes out; ReadMap maps the cached frame that
holds an offset straight into the descriptor's data window, which is how
the spawner shares program text between every instance of a program
without copying it.

The host populates the file system with Create before any environment
runs, typically from a manifest or an image directory.

# Usage

	fs := memfs.New(k.Allocator())
	k.Devtab().Register(fs.Dev())
	if err := fs.Create("/bin/hello", elf.Stub("hello", nil, 0)); err != nil {
		return err
	}
*/
package memfs
