package sdm

import (
	"errors"
	"fmt"

	"nestbridge/internal/auth"

	"google.golang.org/api/googleapi"
)

// Operations reported in DeviceCommandError.
const (
	OpGetDevice      = "get device"
	OpExecuteCommand = "execute command"
)

const unknownError = "An unknown error occurred"

// DeviceCommandError reports a failed read or command against a device.
type DeviceCommandError struct {
	Op       string
	DeviceID string
	Message  string
	Err      error
}

func (e *DeviceCommandError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.DeviceID, e.Message)
}

func (e *DeviceCommandError) Unwrap() error {
	return e.Err
}

func newDeviceCommandError(op, deviceID string, err error) *DeviceCommandError {
	cmdErr := &DeviceCommandError{Op: op, DeviceID: deviceID, Message: unknownError, Err: err}

	var authErr *auth.AuthError
	var apiErr *googleapi.Error
	switch {
	case errors.As(err, &authErr):
		cmdErr.Message = authErr.Message
	case errors.As(err, &apiErr) && apiErr.Message != "":
		cmdErr.Message = apiErr.Message
	case err != nil && err.Error() != "":
		cmdErr.Message = err.Error()
	}
	return cmdErr
}
