// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// buildver package provides access to build version variables and utilities
// to generate formatted version strings.
package buildver

import (
	"fmt"
	"strings"

	"github.com/coreos/go-semver/semver"
)

var (
	// The following variables are set at link time with -X. Any variable name
	// changes need to be replicated in the build target.

	// BuildHost contains the build hostname.
	BuildHost = "unknown"

	// BuildUser contains the build user.
	BuildUser = "unknown"

	// BuildTimestamp contains the build timestamp.
	BuildTimestamp = "0"

	// BuildSCMRevision contains the repository release tag or commit hash.
	BuildSCMRevision = "unknown"

	// BuildSCMStatus contains the status of the repository.
	BuildSCMStatus = "unknown"
)

// fallback is reported when the revision is not a release tag.
var fallback = semver.Version{Major: 1, Minor: 0}

// FormattedStr returns a formatted string version which can be used to
// reference the target release.
func FormattedStr() string {
	return fmt.Sprintf("Version: %s-%s Host: %q User: %q Timestamp: %s", BuildSCMRevision, BuildSCMStatus, BuildHost, BuildUser, BuildTimestamp)
}

// Semver returns the release version encoded in BuildSCMRevision, such as
// "v1.2.3". Revisions that are not release tags report 1.0.0.
func Semver() semver.Version {
	v, err := semver.NewVersion(strings.TrimPrefix(BuildSCMRevision, "v"))
	if err != nil {
		return fallback
	}
	return *v
}
