// Package redo implements the redo log of a recoverable array.
//
// Every mutation is recorded as a (position, value, scn) record in the open
// entry. A full entry is sealed and written to its own file under entries/.
// Once enough sealed entries are queued they are merged into the array file
// and their files are deleted; that merge is the checkpoint.
//
// Entry lifecycle:
//
//	Open --seal--> Sealed(file) --merge--> Merged
//
// On open, PlanRecovery folds the persisted entries against the array
// header's water marks and decides which ones to replay.
package redo
