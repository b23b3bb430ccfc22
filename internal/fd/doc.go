/*
Package fd is the user-level file descriptor layer.

# Overview

Descriptors live in user memory: descriptor number i is the page at
FDTABLE + i*PGSIZE, and its data window is the PTSIZE region at
FILEDATA + i*PTSIZE. A descriptor page holds the device id, the current
offset, the open mode and a device-private file id, each a little endian
word. Because descriptor pages are mapped with PTE_SHARE they are copied
forward into spawned children, and the number of mappings of a descriptor
page is the number of live holders of that descriptor.

Devices (pipes, files) implement Dev and are found through the Devtab that
the kernel hands to every environment.

# Usage

	n, err := fd.Read(sys, 0, buf)
	if err != nil {
		return err
	}
	fd.Close(sys, 0)
*/
package fd
