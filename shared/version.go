package shared

// Version is overridden at build time with -ldflags "-X .../shared.Version=...".
var Version = "dev"
