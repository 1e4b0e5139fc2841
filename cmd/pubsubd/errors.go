package main

import "errors"

type fatalKind int

const (
	fatalOther fatalKind = iota
	fatalConfig
	fatalDatabase
)

var errFatalConfig = errors.New("fatal configuration error")
var errFatalDatabase = errors.New("database unreachable past retry budget")

func classifyFatal(err error) fatalKind {
	switch {
	case errors.Is(err, errFatalConfig):
		return fatalConfig
	case errors.Is(err, errFatalDatabase):
		return fatalDatabase
	default:
		return fatalOther
	}
}
