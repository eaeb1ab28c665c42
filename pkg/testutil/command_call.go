package testutil

import "time"

// CommandCall records an executeCommand request for verification
type CommandCall struct {
	Timestamp     time.Time
	DeviceName    string
	Command       string
	Params        map[string]interface{}
	Authorization string
}

// FilterCommands filters command calls by command name
func FilterCommands(calls []CommandCall, command string) []CommandCall {
	var filtered []CommandCall
	for _, call := range calls {
		if call.Command == command {
			filtered = append(filtered, call)
		}
	}
	return filtered
}

// LastCommandForDevice returns the most recent command sent to a device, or nil
func LastCommandForDevice(calls []CommandCall, deviceName string) *CommandCall {
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].DeviceName == deviceName {
			call := calls[i]
			return &call
		}
	}
	return nil
}
