// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package instrumentation parses the status-line protocol emitted by an
// Android instrumentation run ("am instrument -r -w") into test events.
//
// The protocol is a sequence of status blocks. Each block is a series of
// "INSTRUMENTATION_STATUS: key=value" lines terminated by one
// "INSTRUMENTATION_STATUS_CODE: n" line; the whole run is closed by an
// optional "INSTRUMENTATION_RESULT:" block and a final
// "INSTRUMENTATION_CODE: n" line. Runners not invoked with -r instead print
// JUnit text trailers ("OK (2 tests)", "Time: 1.234"). The parser accepts
// both forms. Unrecognized lines are skipped, never fatal.
package instrumentation

import (
	"context"
	"strconv"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"

	"go.chromium.org/amtest/internal/logging"
)

// Config configures a Parser.
type Config struct {
	// SuiteName is the name of the suite whose output is being parsed. It
	// is carried on suite-level events.
	SuiteName string
	// Sink receives events as they are resolved.
	Sink Sink
	// Codes overrides the status code mapping. Nil means the stock
	// AndroidJUnitRunner mapping.
	Codes *StatusCodes
	// Clock is used to measure per-test durations. Nil means the real
	// clock.
	Clock clock.Clock
}

// testRecord accumulates one status block's key/value pairs until the block
// is resolved by a status code.
type testRecord struct {
	runner  string
	class   string
	test    string
	current int
	stream  string
	stack   string

	started bool
	ordinal int
	start   time.Time
}

func (r *testRecord) id() string {
	return r.class + "." + r.test
}

// set records one key/value pair. Repeated stream/stack keys accumulate with
// newlines, matching how the runner splits long payloads.
func (r *testRecord) set(ctx context.Context, key, value string) {
	switch key {
	case keyID:
		r.runner = strings.TrimSpace(value)
	case keyTest:
		r.test = strings.TrimSpace(value)
	case keyClass:
		r.class = strings.TrimSpace(value)
	case keyCurrent:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			logging.Debugf(ctx, "Ignoring malformed current value %q", value)
			return
		}
		r.current = n
	case keyStream:
		r.append(keyStream, value)
	case keyStack:
		r.append(keyStack, value)
	default:
		logging.Debugf(ctx, "Ignoring unrecognized status key %q", key)
	}
}

// append extends a stream or stack value with a continuation line.
func (r *testRecord) append(key, value string) {
	switch key {
	case keyStream:
		if r.stream != "" {
			r.stream += "\n"
		}
		r.stream += value
	case keyStack:
		if r.stack != "" {
			r.stack += "\n"
		}
		r.stack += value
	}
}

// Parser is a streaming parser for one instrumentation run. It is not safe
// for concurrent use; feed it lines from a single goroutine and call Close
// exactly once when the stream ends.
type Parser struct {
	name  string
	sink  Sink
	codes StatusCodes
	clk   clock.Clock

	observers []BoundaryObserver

	record     *testRecord
	currentKey string
	inResult   bool

	numTests    int
	testsRun    int
	nextOrdinal int
	elapsed     time.Duration

	announced   bool
	sawTerminal bool
	resultCode  *int
	runErrorMsg string

	closed bool
}

// New creates a Parser for one run.
func New(cfg *Config) *Parser {
	codes := DefaultStatusCodes()
	if cfg.Codes != nil {
		codes = *cfg.Codes
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Parser{
		name:  cfg.SuiteName,
		sink:  cfg.Sink,
		codes: codes,
		clk:   clk,
	}
}

// AddBoundaryObserver registers an observer notified at test boundaries.
// Must be called before feeding lines.
func (p *Parser) AddBoundaryObserver(o BoundaryObserver) {
	p.observers = append(p.observers, o)
}

// NumTests returns the run's declared test count (the numtests key), or 0 if
// the run has not declared one.
func (p *Parser) NumTests() int { return p.numTests }

// TestsRun returns the number of tests that reported a terminal status so
// far.
func (p *Parser) TestsRun() int { return p.testsRun }

// ParseLine consumes one line of run output.
func (p *Parser) ParseLine(ctx context.Context, line string) {
	if p.closed || line == "" {
		return
	}
	switch {
	case strings.HasPrefix(line, prefixStatusCode):
		code, err := strconv.Atoi(strings.TrimSpace(line[len(prefixStatusCode):]))
		if err != nil {
			logging.Debugf(ctx, "Ignoring malformed status code line %q", line)
			return
		}
		p.processStatusCode(ctx, code)
	case strings.HasPrefix(line, prefixStatus):
		p.processStatus(ctx, line[len(prefixStatus):])
	case strings.HasPrefix(line, prefixResult):
		p.inResult = true
		p.currentKey = ""
		p.processResult(ctx, line[len(prefixResult):])
	case strings.HasPrefix(line, prefixCode):
		code, err := strconv.Atoi(strings.TrimSpace(line[len(prefixCode):]))
		if err != nil {
			logging.Debugf(ctx, "Ignoring malformed code line %q", line)
			return
		}
		p.resultCode = &code
		p.sawTerminal = true
	case strings.HasPrefix(line, prefixAborted):
		p.runErrorMsg = strings.TrimSpace(line[len(prefixAborted):])
		p.sawTerminal = true
	case strings.HasPrefix(line, prefixTime):
		s := strings.TrimSpace(line[len(prefixTime):])
		s = strings.ReplaceAll(strings.TrimSuffix(s, "s"), ",", "")
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			p.elapsed = time.Duration(secs * float64(time.Second))
		} else {
			logging.Debugf(ctx, "Ignoring malformed time line %q", line)
		}
	case strings.HasPrefix(line, prefixOK), strings.HasPrefix(line, prefixFailures):
		// JUnit text trailer; test outcomes were already reported per
		// status block.
		p.sawTerminal = true
	case p.record != nil && p.currentKey != "":
		// Continuation of the last status key (multi-line stacks and
		// streams).
		p.record.append(p.currentKey, line)
	default:
		logging.Debugf(ctx, "Ignoring unassociated output line %q", line)
	}
}

// processStatus handles the key=value payload of one STATUS line.
func (p *Parser) processStatus(ctx context.Context, kv string) {
	p.inResult = false
	key, value, ok := strings.Cut(kv, "=")
	if !ok {
		logging.Debugf(ctx, "Ignoring malformed status line %q", kv)
		return
	}
	key = strings.TrimSpace(key)
	if key == keyNumTests {
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			logging.Debugf(ctx, "Ignoring malformed numtests value %q", value)
			return
		}
		p.numTests = n
		if !p.announced {
			p.announced = true
			p.emit(SuiteStarted{Name: p.name, NumTests: n})
		}
		return
	}
	if p.record == nil {
		p.record = &testRecord{}
	}
	p.record.set(ctx, key, value)
	p.currentKey = key
}

// processResult handles the key=value payload of a RESULT line. Only
// shortMsg is interpreted; it carries the crash message of a failed run.
func (p *Parser) processResult(ctx context.Context, kv string) {
	key, value, ok := strings.Cut(kv, "=")
	if !ok {
		return
	}
	if strings.TrimSpace(key) == keyShortMsg {
		p.runErrorMsg = strings.TrimSpace(value)
	}
}

// processStatusCode resolves the accumulated status block into an event.
func (p *Parser) processStatusCode(ctx context.Context, code int) {
	p.currentKey = ""
	if p.record == nil {
		logging.Debugf(ctx, "Ignoring status code %d outside a status block", code)
		return
	}
	r := p.record

	if code == p.codes.Start {
		if r.started {
			logging.Debugf(ctx, "Duplicate start status for %s", r.id())
			return
		}
		r.started = true
		r.start = p.clk.Now()
		p.nextOrdinal++
		r.ordinal = p.nextOrdinal
		p.emit(TestStarted{Class: r.class, Test: r.test, Ordinal: r.ordinal})
		for _, o := range p.observers {
			o.TestStarted(r.id())
		}
		return
	}

	var duration time.Duration
	if r.started {
		duration = p.clk.Since(r.start)
	}
	switch code {
	case p.codes.Pass:
		p.emit(TestPassed{Class: r.class, Test: r.test, Ordinal: r.ordinal, Duration: duration, Stream: r.stream})
	case p.codes.Failure, p.codes.Error:
		p.emit(TestFailed{Class: r.class, Test: r.test, Ordinal: r.ordinal, Duration: duration, Stack: r.stack, Stream: r.stream})
	case p.codes.Ignored:
		p.emit(TestIgnored{Class: r.class, Test: r.test, Ordinal: r.ordinal, Stream: r.stream})
	case p.codes.AssumptionViolated:
		p.emit(TestAssumptionViolated{Class: r.class, Test: r.test, Ordinal: r.ordinal, Duration: duration, Message: r.stream})
	default:
		logging.Infof(ctx, "Skipping unknown test status code %d for %s", code, r.id())
		p.record = nil
		return
	}
	p.testsRun++
	for _, o := range p.observers {
		o.TestEnded(r.id())
	}
	p.record = nil
}

// Close finalizes the run and emits the suite's terminal event. If the
// stream ended without a terminal status or result, the suite is reported
// errored with ReasonPrematureEnd. Close never blocks and is idempotent.
func (p *Parser) Close(ctx context.Context) {
	if p.closed {
		return
	}
	p.closed = true

	if r := p.record; r != nil && r.started {
		logging.Infof(ctx, "Test %s did not report a terminal status", r.id())
		p.emit(TestFailed{
			Class:    r.class,
			Test:     r.test,
			Ordinal:  r.ordinal,
			Duration: p.clk.Since(r.start),
			Stack:    "test did not report a terminal status",
		})
		p.testsRun++
		for _, o := range p.observers {
			o.TestEnded(r.id())
		}
	}
	p.record = nil

	switch {
	case p.runErrorMsg != "":
		p.emit(SuiteErrored{Name: p.name, Reason: ReasonRunFailed, Message: p.runErrorMsg})
	case p.resultCode != nil && *p.resultCode != p.codes.ResultOK:
		p.emit(SuiteErrored{Name: p.name, Reason: ReasonRunFailed,
			Message: "instrumentation exited with code " + strconv.Itoa(*p.resultCode)})
	case p.sawTerminal:
		p.emit(SuiteEnded{Name: p.name, NumTests: p.testsRun, Elapsed: p.elapsed})
	default:
		p.emit(SuiteErrored{Name: p.name, Reason: ReasonPrematureEnd,
			Message: "output stream ended before a terminal status was reported"})
	}
}

func (p *Parser) emit(ev Event) {
	if p.sink != nil {
		p.sink.Event(ev)
	}
}
