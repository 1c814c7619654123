package config

// Version is overridden at build time via -ldflags "-X
// github.com/vidfleet/vidfleet/config.Version=...".
var Version = "dev"
