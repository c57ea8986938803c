package server

// Version of the topicd server.
// This variable can be overridden at build time using:
//
//	go build -ldflags "-X github.com/liftbridge-io/topicd/server.Version=v1.0.0"
var Version = "dev"
