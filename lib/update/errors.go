/*
Copyright 2024 the coreupdate authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package update

import "errors"

// Code is a stable taxonomy tag attached to an error so callers can branch
// on error class without string matching, while trace still carries the
// full chained diagnostic string for logs and operator-facing output.
type Code string

const (
	CodeTufRepositoryUnavailable Code = "TufRepositoryUnavailable"
	CodeUpdateInProgress         Code = "UpdateInProgress"
	CodeMissingSpImageForBoard   Code = "MissingSpImageForBoard"
	CodeUpdateNotStarted         Code = "UpdateNotStarted"
	CodeUpdateFinished           Code = "UpdateFinished"

	CodeGetSpCabooseFailed             Code = "GetSpCabooseFailed"
	CodeGetRotCabooseFailed            Code = "GetRotCabooseFailed"
	CodeGetRotActiveSlotFailed         Code = "GetRotActiveSlotFailed"
	CodeSetRotActiveSlotFailed         Code = "SetRotActiveSlotFailed"
	CodeRotResetFailed                 Code = "RotResetFailed"
	CodeSpResetFailed                  Code = "SpResetFailed"
	CodeRotUnexpectedActiveSlot        Code = "RotUnexpectedActiveSlot"
	CodeUpdatePowerStateFailed         Code = "UpdatePowerStateFailed"
	CodeSetInstallinatorImageIDFailed  Code = "SetInstallinatorImageIdFailed"
	CodeSetHostBootFlashSlotFailed     Code = "SetHostBootFlashSlotFailed"
	CodeSetHostStartupOptionsFailed    Code = "SetHostStartupOptionsFailed"
	CodeTrampolinePhase2UploadFailed   Code = "TrampolinePhase2UploadFailed"
	CodeSpComponentUpdateFailed        Code = "SpComponentUpdateFailed"
	CodeDownloadingInstallinatorFailed Code = "DownloadingInstallinatorFailed"
	CodeRunningInstallinatorFailed     Code = "RunningInstallinatorFailed"
)

type codedError struct {
	code Code
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

// WithCode tags err with a stable Code, preserving it for Unwrap/errors.As
// and for CodeOf.
func WithCode(err error, code Code) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

// CodeOf returns the Code attached to err, if any, by walking its Unwrap
// chain.
func CodeOf(err error) (Code, bool) {
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code, true
	}
	return "", false
}
