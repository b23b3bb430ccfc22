/*
Package kernel is a hosted single-CPU microkernel.

# Overview

Environments are isolated processes with their own two-level page table.
Each one that has started running is backed by a goroutine, but only one
goroutine executes at any moment: the kernel hands the CPU over on a
channel and waits for a trap (a yield, a blocking receive, an expired
quantum, an exit or a fault) before choosing the next environment with
the round-robin policy in package sched.

User programs are Go functions receiving a *Proc, the environment's system
call gate. Everything they share with other environments goes through
page mappings: memory is only reachable through ReadAt/WriteAt and their
word-sized variants, which consult the page table and kill the caller on a
bad access.

Images carry real ELF headers. The bytes at an image's entry point name a
program registered with Register; the name is resolved the first time the
environment is dispatched. An unknown name is an invalid opcode and the
environment is destroyed.

# Usage

	k := kernel.New(kernel.Config{Console: os.Stdout})
	defer k.Close()

	k.Register("hello", func(p *kernel.Proc) {
		p.Printf("hello from %08x\n", p.EnvID())
	})
	k.Start("boot", func(p *kernel.Proc) {
		spawn.Spawnl(p, fs, "/bin/hello", "hello")
	})

	if err := k.Run(ctx); err != nil {
		return err
	}
*/
package kernel
