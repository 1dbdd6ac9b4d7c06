// Package vm implements the execution core of the ivory virtual machine:
// the tagged value model, the per-process stack and frame protocol, the
// three method-dispatch strategies, the bytecode interpreter with its
// GC-retry and save/restore discipline, coroutines, the exception
// unwinder, and the native-call boundary including the foreign function
// interface.
//
// The compiler producing snapshots, the process scheduler, and the debug
// session protocol are external collaborators; this package defines the
// interfaces it consumes from them.
package vm
