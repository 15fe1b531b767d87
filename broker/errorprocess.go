package broker

// ErrorProcess simulates a process that wrote message to the equivalent
// of stderr and then exited: listeners that need to refuse a command
// without tearing down the transport (e.g. SSH refusing an unknown RPC
// or a shell request) call this instead of spawning anything.
//
// Framing is the caller's responsibility: SSH passes a stream that writes
// directly to the session's stderr. The git daemon does not use this; it
// frames its refusals itself as a single "ERR ..." pkt-line.
func ErrorProcess(ns NetStream, message string) {
	ns.Write([]byte(message))
	ns.Close()
}

// ErrorExitCode is the exit status every synthetic error process reports,
// matching git-shell's convention for rejected commands.
const ErrorExitCode = 128
