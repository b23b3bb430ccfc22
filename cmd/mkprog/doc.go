// Package main writes executable images for native programs.
//
// Usage:
//
//	mkprog -o image/bin/hello -program hello
//	mkprog -o image/bin/counter -program counter -data seed -bss 4096 -zstd
package main
