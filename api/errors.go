package api

import (
	"fmt"
	"net/http"
)

// StatusCoder is implemented by errors that have an associated HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// ErrorResponse is the JSON error response body.
type ErrorResponse struct {
	Message string `json:"message"`
}

// InvalidConfigError indicates a malformed container configuration:
// an unparsable port or volume spec, duplicate port declarations within
// one config, or an entrypoint that cannot be resolved.
type InvalidConfigError struct {
	Message string
}

func (e *InvalidConfigError) Error() string {
	return "invalid config: " + e.Message
}

func (e *InvalidConfigError) StatusCode() int {
	return http.StatusBadRequest
}

// ImageResolutionError indicates the image resolver could not supply
// layers and a manifest for the requested reference.
type ImageResolutionError struct {
	Ref   string
	Cause error
}

func (e *ImageResolutionError) Error() string {
	return fmt.Sprintf("image resolution failed for %q: %v", e.Ref, e.Cause)
}

func (e *ImageResolutionError) Unwrap() error {
	return e.Cause
}

func (e *ImageResolutionError) StatusCode() int {
	return http.StatusNotFound
}

// PathEscapesRootError indicates a path, after relative and symlink
// resolution, would leave the container's virtual root.
type PathEscapesRootError struct {
	Path string
}

func (e *PathEscapesRootError) Error() string {
	return fmt.Sprintf("path escapes container root: %s", e.Path)
}

func (e *PathEscapesRootError) StatusCode() int {
	return http.StatusBadRequest
}

// PortConflictError indicates a host port is already reserved by another
// running container for the same protocol.
type PortConflictError struct {
	HostPort uint16
	Protocol string
	HeldBy   string
}

func (e *PortConflictError) Error() string {
	return fmt.Sprintf("host port %d/%s already reserved by container %s", e.HostPort, e.Protocol, e.HeldBy)
}

func (e *PortConflictError) StatusCode() int {
	return http.StatusConflict
}

// InvalidStateTransitionError indicates a lifecycle operation was attempted
// from a state that does not permit it.
type InvalidStateTransitionError struct {
	ID   string
	From ContainerState
	Op   string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("cannot %s container %s in state %s", e.Op, e.ID, e.From)
}

func (e *InvalidStateTransitionError) StatusCode() int {
	return http.StatusConflict
}

// ContainerRunningError indicates a remove was attempted on a running container.
type ContainerRunningError struct {
	ID string
}

func (e *ContainerRunningError) Error() string {
	return fmt.Sprintf("container %s is running; stop it before removal", e.ID)
}

func (e *ContainerRunningError) StatusCode() int {
	return http.StatusConflict
}

// LaunchError indicates the execution driver failed to instantiate the
// container's module. The container's state is left unchanged.
type LaunchError struct {
	ID    string
	Cause error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch container %s: %v", e.ID, e.Cause)
}

func (e *LaunchError) Unwrap() error {
	return e.Cause
}

func (e *LaunchError) StatusCode() int {
	return http.StatusInternalServerError
}

// TimeoutError indicates an operation exceeded its caller-supplied deadline.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return e.Op + " timed out"
}

func (e *TimeoutError) StatusCode() int {
	return http.StatusGatewayTimeout
}

// NotFoundError indicates a requested resource was not found.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no such %s: %s", e.Resource, e.ID)
}

func (e *NotFoundError) StatusCode() int {
	return http.StatusNotFound
}

// ConflictError indicates a generic conflict (e.g. container name in use).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

func (e *ConflictError) StatusCode() int {
	return http.StatusConflict
}
