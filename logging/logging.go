// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package logging is a small leveled logger matching the call surface used
// throughout the indexer codebase (logging.Debugf/Infof/Warnf/Errorf/Fatalf),
// whose implementation package was not part of the retrieved source.
package logging

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

type Level int32

const (
	Silent Level = iota
	Error
	Warn
	Info
	Debug
	Trace
)

var level int32 = int32(Info)

var std = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)

func SetLevel(l Level) {
	atomic.StoreInt32(&level, int32(l))
}

func LogLevel() Level {
	return Level(atomic.LoadInt32(&level))
}

func logf(l Level, tag string, format string, v ...interface{}) {
	if LogLevel() < l {
		return
	}
	std.Output(3, tag+" "+fmt.Sprintf(format, v...))
}

func Tracef(format string, v ...interface{}) { logf(Trace, "[Trace]", format, v...) }
func Debugf(format string, v ...interface{}) { logf(Debug, "[Debug]", format, v...) }
func Infof(format string, v ...interface{})  { logf(Info, "[Info]", format, v...) }
func Warnf(format string, v ...interface{})  { logf(Warn, "[Warn]", format, v...) }
func Errorf(format string, v ...interface{}) { logf(Error, "[Error]", format, v...) }

// Fatalf always logs regardless of level and exits the process; reserved
// for unrecoverable startup and settings failures.
func Fatalf(format string, v ...interface{}) {
	std.Output(2, "[Fatal] "+fmt.Sprintf(format, v...))
	os.Exit(1)
}
