// Copyright (C) 2019 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package build holds the version information injected at link time.
package build

import (
	"fmt"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"
)

var (
	// Injected by the build script
	Version = "unknown-dev"
	Host    = "unknown"
	User    = "unknown"
	Stamp   = "0"

	// Set by init()
	Date        time.Time
	IsRelease   bool
	IsBeta      bool
	LongVersion string

	// Set by Go build tags
	Tags []string

	AllowedVersionExp = regexp.MustCompile(`^v\d+\.\d+\.\d+(-[a-z0-9]+)*(\.\d+)*(\+\d+-g[0-9a-f]+)?(-[^\s]+)?$`)
	releaseExp        = regexp.MustCompile(`^v\d+\.\d+\.\d+(-[a-z]+[\d\.]+)?$`)
)

// ProtocolVersion is announced in the handshake identity.
const ProtocolVersion = 112

func init() {
	setBuildData()
}

func setBuildData() {
	IsRelease = releaseExp.MatchString(Version)
	IsBeta = strings.Contains(Version, "-")

	stamp, _ := strconv.Atoi(Stamp)
	Date = time.Unix(int64(stamp), 0)

	LongVersion = LongVersionFor("peercore")
}

// LongVersionFor returns the long version string for the given program.
func LongVersionFor(program string) string {
	date := Date.UTC().Format("2006-01-02 15:04:05 MST")
	v := fmt.Sprintf(`%s %s (%s %s-%s) %s@%s %s`, program, Version, runtime.Version(), runtime.GOOS, runtime.GOARCH, User, Host, date)
	if len(Tags) > 0 {
		v = fmt.Sprintf("%s [%s]", v, strings.Join(Tags, ", "))
	}
	return v
}

// ValidVersion reports whether an injected version string is acceptable.
func ValidVersion(v string) bool {
	return v == "unknown-dev" || AllowedVersionExp.MatchString(v)
}
