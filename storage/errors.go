package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"
)

// AccountStorageURL is where personal library owners manage their quota.
const AccountStorageURL = "https://www.zotero.org/settings/storage"

// ErrCancelled is returned by a pipeline whose request was cancelled.
var ErrCancelled = errors.New("request cancelled")

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// AuthenticationError is a 401/403 from the storage server. A 403 on the
// upload-parameter request for a group item means file editing is denied
// for that group.
type AuthenticationError struct {
	Op      Operation
	Status  int
	GroupID int64
}

func (e *AuthenticationError) Error() string {
	if e.FileEditingDenied() {
		return fmt.Sprintf("file editing denied for group %d", e.GroupID)
	}

	return fmt.Sprintf("file sync login failed during %s (status %d)", e.Op, e.Status)
}

// FileEditingDenied reports whether the error is a group permission denial.
func (e *AuthenticationError) FileEditingDenied() bool {
	return e.Status == http.StatusForbidden && e.GroupID != 0
}

// QuotaExceededError is a 413 on the upload-parameter request.
type QuotaExceededError struct {
	Filename   string
	FileSize   int64
	Library    Library
	RetryAfter time.Duration
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("the file %q would exceed your Zotero File Storage quota", e.Filename)
}

// RetryHint returns the queue-limit message when the server sent a
// Retry-After header, or an empty string.
func (e *QuotaExceededError) RetryHint() string {
	if e.RetryAfter <= 0 {
		return ""
	}

	minutes := int(math.Round(e.RetryAfter.Minutes()))

	return fmt.Sprintf("You have too many queued uploads. Please try again in %d minutes.", minutes)
}

// AccountURL is the settings page offered to personal library owners.
// Group owners manage storage elsewhere, so it is empty for groups.
func (e *QuotaExceededError) AccountURL() string {
	if e.Library.IsGroup() {
		return ""
	}

	return AccountStorageURL
}

// DialogText is the user-facing explanation of the quota failure.
func (e *QuotaExceededError) DialogText() string {
	var text string
	if e.Library.IsGroup() {
		text = fmt.Sprintf("The group '%s' has reached its Zotero File Storage quota. "+
			"Some files were not uploaded. Other Zotero data will continue to sync to the server.\n\n"+
			"The group owner can increase the group's storage capacity from the storage settings section on zotero.org.",
			e.Library.GroupName)
	} else {
		text = "You have reached your Zotero File Storage quota. Some files were not uploaded. " +
			"Other Zotero data will continue to sync to the server.\n\n" +
			"See your zotero.org account settings for additional storage options."
	}

	return fmt.Sprintf("%s\n\n%s (%dKB)", text, e.Filename, int64(math.Round(float64(e.FileSize)/1024)))
}

// ProtocolError is a malformed server response.
type ProtocolError struct {
	Op  Operation
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid response during %s: %s: %v", e.Op, e.Msg, e.Err)
	}

	return fmt.Sprintf("invalid response during %s: %s", e.Op, e.Msg)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// UnexpectedStatusError is any status the call site did not expect.
type UnexpectedStatusError struct {
	Op     Operation
	Status int
	Body   string
}

func (e *UnexpectedStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status code %d during %s", e.Status, e.Op)
	}

	return fmt.Sprintf("unexpected status code %d during %s: %s", e.Status, e.Op, e.Body)
}

// NotFoundRemoteStateError is a 404 on the upload-parameter request: the
// server does not know an item the client believes is synced.
// ResetPerformed is true when this occurrence triggered the automatic
// client reset.
type NotFoundRemoteStateError struct {
	Op             Operation
	ResetPerformed bool
}

func (e *NotFoundRemoteStateError) Error() string {
	if e.ResetPerformed {
		return fmt.Sprintf("remote item missing during %s; client state was reset", e.Op)
	}

	return fmt.Sprintf("remote item missing during %s; client already reset, manual sync required", e.Op)
}

// Operation names an HTTP call site.
type Operation string

const (
	OpAuth         Operation = "cache credentials"
	OpFileInfo     Operation = "get file info"
	OpUploadParams Operation = "get upload parameters"
	OpUpload       Operation = "upload file"
	OpRegister     Operation = "register upload"
	OpDownload     Operation = "download file"
	OpGetLastSync  Operation = "get last sync time"
	OpSetLastSync  Operation = "set last sync time"
	OpPurge        Operation = "purge files"
)

type statusClass int

const (
	classUnexpected statusClass = iota
	classAuth
	classQuota
	classMissing
	classTransient
)

// statusTable is the single status -> taxonomy mapping shared by every
// call site. Anything not listed is unexpected.
var statusTable = map[int]statusClass{
	http.StatusUnauthorized:          classAuth,
	http.StatusForbidden:             classAuth,
	http.StatusNotFound:              classMissing,
	http.StatusRequestEntityTooLarge: classQuota,
	http.StatusTooManyRequests:       classTransient,
	http.StatusInternalServerError:   classTransient,
	http.StatusBadGateway:            classTransient,
	http.StatusServiceUnavailable:    classTransient,
	http.StatusGatewayTimeout:        classTransient,
}

// ClassifyStatus maps a response status to the error taxonomy. It returns
// nil when status is one of the expected codes. Call sites that attach
// context (quota ownership, group ids) fill it in on the returned value.
func ClassifyStatus(op Operation, status int, body string, expected ...int) error {
	for _, code := range expected {
		if status == code {
			return nil
		}
	}

	unexpected := &UnexpectedStatusError{Op: op, Status: status, Body: body}

	switch statusTable[status] {
	case classAuth:
		return &AuthenticationError{Op: op, Status: status}
	case classQuota:
		if op == OpUploadParams {
			return &QuotaExceededError{}
		}
	case classMissing:
		if op == OpUploadParams {
			return &NotFoundRemoteStateError{Op: op}
		}
	case classTransient:
		return &TransientError{Err: unexpected}
	case classUnexpected:
	}

	return unexpected
}

// Policy is the recovery action a caller takes for a classified error.
type Policy int

const (
	// PolicyRetry marks the item failed with a generic retryable error.
	PolicyRetry Policy = iota
	// PolicySkipItem marks the item failed; the run continues.
	PolicySkipItem
	// PolicyStopQueue stops new work in the affected queue only.
	PolicyStopQueue
	// PolicyInvalidateCredentials forces re-authentication.
	PolicyInvalidateCredentials
	// PolicyResetClient means the local client state was reset.
	PolicyResetClient
	// PolicyFatal aborts the whole run.
	PolicyFatal
	// PolicyIgnore is used for cancellations.
	PolicyIgnore
)

func (p Policy) String() string {
	switch p {
	case PolicyRetry:
		return "retry"
	case PolicySkipItem:
		return "skip_item"
	case PolicyStopQueue:
		return "stop_queue"
	case PolicyInvalidateCredentials:
		return "invalidate_credentials"
	case PolicyResetClient:
		return "reset_client"
	case PolicyFatal:
		return "fatal"
	case PolicyIgnore:
		return "ignore"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// PolicyFor returns the recovery action for err.
func PolicyFor(err error) Policy {
	var (
		quota    *QuotaExceededError
		auth     *AuthenticationError
		proto    *ProtocolError
		notFound *NotFoundRemoteStateError
	)

	switch {
	case err == nil:
		return PolicyIgnore
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return PolicyIgnore
	case errors.As(err, &quota):
		return PolicyStopQueue
	case errors.As(err, &auth):
		return PolicyInvalidateCredentials
	case errors.As(err, &notFound):
		if notFound.ResetPerformed {
			return PolicyResetClient
		}

		return PolicyFatal
	case errors.As(err, &proto):
		return PolicySkipItem
	default:
		return PolicyRetry
	}
}

// InvalidatesCredentials reports whether err is a 401/403 that must clear
// the credential cache.
func InvalidatesCredentials(err error) bool {
	var auth *AuthenticationError
	return errors.As(err, &auth)
}
