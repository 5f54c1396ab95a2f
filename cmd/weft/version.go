package main

// Version and Build are stamped at link time:
//
//	go build -ldflags "-X main.Version=v0.3.0 -X main.Build=$(git rev-parse --short HEAD)"
var (
	Version = "dev"
	Build   = "unknown"
)
