// Copyright 2022-2023 Tigris Data, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
)

// Version of this build.
var Version string

// Service program name used in logging and monitoring.
var Service = "tagthrottler"

func Stdoutf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stdout, format, args...)
}

func PrintError(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "%s\n", err.Error())
}

func Error(err error, msg string, args ...any) error {
	log.Err(err).CallerSkipFrame(3).Msgf(msg, args...)

	if err == nil {
		return nil
	}

	return err
}

func Fatal(err error, msg string, args ...any) {
	if err == nil {
		_ = Error(err, msg, args...)
		return
	}

	PrintError(err)

	_ = Error(err, msg, args...)

	os.Exit(1) //nolint:revive
}
