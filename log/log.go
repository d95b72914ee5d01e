// Copyright 2020 The chainhook Authors
// This file is part of the chainhook library.
//
// The chainhook library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The chainhook library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.

// Package log provides the module-scoped structured logger used by every
// package in this repository, in the same style as klaytn's log.NewModuleLogger:
// a package declares "var logger = log.NewModuleLogger(log.SomeModule)" and
// calls logger.Info/Warn/Error/Crit with alternating key/value pairs.
package log

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-stack/stack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Module identifies the subsystem a logger belongs to; it is attached to
// every record as the "module" field.
type Module string

const (
	Observer         Module = "observer"
	ObserverCore     Module = "observer.core"
	Dispatcher       Module = "observer.dispatcher"
	Sidecar          Module = "observer.sidecar"
	ChainDataFetcher Module = "chaindatafetcher"
	StorageDatabase  Module = "storage.database"
	BlockStore       Module = "storage.blockstore"
	ScanStore        Module = "storage.scanstore"
	ForkPad          Module = "indexer.forkpad"
	IndexerStacks    Module = "indexer.stacks"
	IndexerBitcoin   Module = "indexer.bitcoin"
	Registry         Module = "chainhooks.registry"
	Evaluator        Module = "chainhooks.evaluator"
	HistoricalScan   Module = "scan"
	HTTPAPI          Module = "networks.httpapi"
	CmdNode          Module = "cmd.chainhook-node"
	Metrics          Module = "metrics"
)

// Logger is the interface every package in this repository programs against.
type Logger interface {
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	NewWith(ctx ...interface{}) Logger
}

type logger struct {
	zl   *zap.Logger
	ctx  []interface{}
	name string
}

var (
	rootMu   sync.Mutex
	rootCore *zap.Logger
)

func init() {
	rootCore = newDefaultZap()
}

func newDefaultZap() *zap.Logger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:    "t",
		LevelKey:   "lvl",
		MessageKey: "msg",
		NameKey:    "module",
		EncodeTime: zapcore.ISO8601TimeEncoder,
		EncodeLevel: zapcore.CapitalLevelEncoder,
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(os.Stderr), zapcore.DebugLevel)
	return zap.New(core)
}

// SetHandler replaces the root zap logger, mirroring klaytn's pluggable
// log.Handler. Only loggers created after the call use it: loggers already
// built by NewModuleLogger or New, including every package-level logger,
// keep the core they were created with.
func SetHandler(zl *zap.Logger) {
	rootMu.Lock()
	defer rootMu.Unlock()
	rootCore = zl
}

// NewModuleLogger returns the logger for a given subsystem, exactly the
// pattern klaytn's chaindata_fetcher.go, db_manager.go and common/cache.go
// use at package scope: "var logger = log.NewModuleLogger(log.ChainDataFetcher)".
func NewModuleLogger(m Module) Logger {
	return &logger{zl: rootCore, name: string(m)}
}

// New creates an ad-hoc logger carrying the given context, mirroring the
// teacher's "log.New("database", file)" call sites.
func New(ctx ...interface{}) Logger {
	return &logger{zl: rootCore, ctx: ctx}
}

func (l *logger) NewWith(ctx ...interface{}) Logger {
	merged := append(append([]interface{}{}, l.ctx...), ctx...)
	return &logger{zl: l.zl, ctx: merged, name: l.name}
}

func (l *logger) fields(msg string, ctx []interface{}) []zap.Field {
	all := append(append([]interface{}{}, l.ctx...), ctx...)
	fields := make([]zap.Field, 0, len(all)/2+2)
	if l.name != "" {
		fields = append(fields, zap.String("module", l.name))
	}
	fields = append(fields, zap.String("callsite", callsite()))
	for i := 0; i+1 < len(all); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprint(all[i]), all[i+1]))
	}
	return fields
}

func callsite() string {
	cs := stack.Caller(3)
	return fmt.Sprintf("%+v", cs)
}

func (l *logger) Debug(msg string, ctx ...interface{}) { l.zl.Debug(msg, l.fields(msg, ctx)...) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.zl.Info(msg, l.fields(msg, ctx)...) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.zl.Warn(msg, l.fields(msg, ctx)...) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.zl.Error(msg, l.fields(msg, ctx)...) }

// Crit logs at error level and terminates the process, matching klaytn's
// logger.Crit semantics ("the chaindatafetcher mode is not supported").
func (l *logger) Crit(msg string, ctx ...interface{}) {
	l.zl.Error(msg, l.fields(msg, ctx)...)
	time.Sleep(10 * time.Millisecond) // let the log sink flush before exit
	os.Exit(1)
}
