package transport

import (
	"errors"
	"fmt"

	. "github.com/PelionIoT/chanmesh/error"
)

var ETimeout = errors.New("The sender timed out while trying to send the message to the receiver")

// NetworkError means the peer could not be reached: the connection could
// not be established or the request failed in flight. The peer did not
// process the request, or it is unknown whether it did.
type NetworkError struct {
	Address string
	Err     error
}

func (networkError *NetworkError) Error() string {
	return fmt.Sprintf("Unable to reach peer at %s: %v", networkError.Address, networkError.Err)
}

func (networkError *NetworkError) Unwrap() error {
	return networkError.Err
}

// RemoteError means the peer processed the request and rejected it. Code and
// Message come from the DBerror body when the peer sent one.
type RemoteError struct {
	Address    string
	StatusCode int
	Code       int
	Message    string
	Body       []byte
}

func (remoteError *RemoteError) Error() string {
	return fmt.Sprintf("Received error code from %s: (%d) %s", remoteError.Address, remoteError.StatusCode, remoteError.Message)
}

// DBError returns the error the peer reported, if it reported one.
func (remoteError *RemoteError) DBError() (DBerror, bool) {
	if remoteError.Code < 0 {
		return DBerror{}, false
	}

	return DBerror{Msg: remoteError.Message, ErrorCode: remoteError.Code}, true
}

func IsNetworkError(err error) bool {
	_, ok := err.(*NetworkError)

	return ok
}

func IsRemoteError(err error) bool {
	_, ok := err.(*RemoteError)

	return ok
}

func IsTimeout(err error) bool {
	if networkError, ok := err.(*NetworkError); ok {
		return networkError.Err == ETimeout
	}

	return false
}

func newRemoteError(address string, statusCode int, body []byte) *RemoteError {
	remoteError := &RemoteError{
		Address:    address,
		StatusCode: statusCode,
		Code:       -1,
		Message:    string(body),
		Body:       body,
	}

	if dbError, err := DBErrorFromJSON(body); err == nil && dbError.Msg != "" {
		remoteError.Code = dbError.ErrorCode
		remoteError.Message = dbError.Msg
	}

	return remoteError
}
