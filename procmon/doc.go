// Package procmon manages child processes through a dedicated monitor
// subprocess, communicating over a pdupeer.Peer using the fixed wire
// protocol in wire.go. Grounded on original_source/ProcessFutureImpl.cpp
// and original_source/ProcessManagerPDU.h; restructured around
// future.Future and pdupeer.Peer instead of hand-rolled mutexes/condvars.
package procmon
