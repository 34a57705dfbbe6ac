// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package instrumentation

// Line prefixes of the instrumentation status protocol as printed by
// "am instrument -r -w". A run is a sequence of status blocks, each a series
// of STATUS key/value lines terminated by one STATUS_CODE line, followed by
// an optional RESULT block and a final CODE line.
const (
	prefixStatus     = "INSTRUMENTATION_STATUS: "
	prefixStatusCode = "INSTRUMENTATION_STATUS_CODE: "
	prefixResult     = "INSTRUMENTATION_RESULT: "
	prefixCode       = "INSTRUMENTATION_CODE: "
	prefixAborted    = "INSTRUMENTATION_ABORTED: "

	// Non-raw trailer lines printed by the JUnit text reporter.
	prefixTime     = "Time: "
	prefixOK       = "OK ("
	prefixFailures = "FAILURES!!!"
)

// Status block keys tracked by the parser.
const (
	keyID       = "id"
	keyTest     = "test"
	keyClass    = "class"
	keyCurrent  = "current"
	keyNumTests = "numtests"
	keyStream   = "stream"
	keyStack    = "stack"
	keyShortMsg = "shortMsg"
)

// StatusCodes maps the protocol's numeric status codes to outcomes. The
// values are a property of the test runner revision on the device, not of
// this parser, so they are carried as configuration rather than hardcoded at
// use sites.
type StatusCodes struct {
	Start              int `yaml:"start"`
	Pass               int `yaml:"pass"`
	Error              int `yaml:"error"`
	Failure            int `yaml:"failure"`
	Ignored            int `yaml:"ignored"`
	AssumptionViolated int `yaml:"assumption_violated"`

	// ResultOK is the final INSTRUMENTATION_CODE of a clean run
	// (Activity.RESULT_OK on stock runners).
	ResultOK int `yaml:"result_ok"`
}

// DefaultStatusCodes returns the mapping used by stock AndroidJUnitRunner.
func DefaultStatusCodes() StatusCodes {
	return StatusCodes{
		Start:              1,
		Pass:               0,
		Error:              -1,
		Failure:            -2,
		Ignored:            -3,
		AssumptionViolated: -4,
		ResultOK:           -1,
	}
}
